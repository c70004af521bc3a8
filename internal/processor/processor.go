// Package processor implements the session-pool actor from spec.md §4.2:
// one goroutine owns all topic subscriptions, lattice state and presence
// for a single SessionPoolName, driven entirely off a channel of Action
// values. No other goroutine touches Processor state directly.
package processor

import (
	"encoding/json"
	"time"

	"github.com/latticeio/latticed/internal/connchan"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/lattice"
	"github.com/rs/zerolog"
)

// Config bounds the sweeps a Processor runs against its own state: how
// long an unassociated connection may sit pending before it is dropped,
// how long a lattice namespace may sit with zero subscribers before its
// merged state is discarded, and how often both sweeps run.
type Config struct {
	AuthTimeout    time.Duration
	LatticeIdleTTL time.Duration
	SweepInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		AuthTimeout:    15 * time.Second,
		LatticeIdleTTL: 10 * time.Minute,
		SweepInterval:  5 * time.Second,
	}
}

// Processor owns one SessionPoolName's worth of connections, topics,
// lattices and presence. Create with New and drive it with Run in its
// own goroutine; submit work with Actions() <- Action.
type Processor struct {
	Pool ids.SessionPoolName
	cfg  Config
	log  zerolog.Logger

	actions chan Action
	done    chan struct{}

	pending map[ids.Cid]*pendingConnection
	active  map[ids.Cid]*activeConnection
	sessions map[ids.SessionId]*sessionEntry
	topics  map[ids.Topic]*cidSet
	lattices map[ids.Namespace]*latticeState

	// presence is the reverse index driving AttachUsers/UpdateUsers: one
	// Values record per watched SessionId, and one cidSet of connections
	// watching it (spec.md §6, "users" namespace routes).
	presence     map[ids.SessionId]lattice.Values
	userWatchers map[ids.SessionId]*cidSet
}

func New(pool ids.SessionPoolName, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		Pool:         pool,
		cfg:          cfg,
		log:          log.With().Str("pool", string(pool)).Logger(),
		actions:      make(chan Action, 1024),
		done:         make(chan struct{}),
		pending:      make(map[ids.Cid]*pendingConnection),
		active:       make(map[ids.Cid]*activeConnection),
		sessions:     make(map[ids.SessionId]*sessionEntry),
		topics:       make(map[ids.Topic]*cidSet),
		lattices:     make(map[ids.Namespace]*latticeState),
		presence:     make(map[ids.SessionId]lattice.Values),
		userWatchers: make(map[ids.SessionId]*cidSet),
	}
}

// Actions returns the channel callers submit work on.
func (p *Processor) Actions() chan<- Action { return p.actions }

// Stop signals Run to exit. Run then sends StopSock(pool_closed) to every
// pending and active connection, closes their channels and returns;
// actions still queued at that point may be left unprocessed.
func (p *Processor) Stop() { close(p.done) }

// Run is the actor's single goroutine. It must not be called more than
// once per Processor.
func (p *Processor) Run() {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-p.done:
			p.closeAll(connchan.ClosePoolClosed)
			return
		case a := <-p.actions:
			p.dispatch(a)
		case <-sweep.C:
			p.sweepAuthTimeouts()
			p.sweepIdleLattices()
		}
	}
}

func (p *Processor) dispatch(a Action) {
	switch a.Kind {
	case ActionNewConnection:
		p.handleNewConnection(a)
	case ActionAssociate:
		p.handleAssociate(a)
	case ActionDisconnect:
		p.handleDisconnect(a)
	case ActionSubscribe:
		p.handleSubscribe(a)
	case ActionUnsubscribe:
		p.handleUnsubscribe(a)
	case ActionPublish:
		p.handlePublish(a)
	case ActionAttach:
		p.handleAttach(a)
	case ActionDetach:
		p.handleDetach(a)
	case ActionLattice:
		p.handleLattice(a)
	case ActionAttachUsers:
		p.handleAttachUsers(a)
	case ActionUpdateUsers:
		p.handleUpdateUsers(a)
	case ActionDetachUsers:
		p.handleDetachUsers(a)
	default:
		p.log.Warn().Int("kind", int(a.Kind)).Msg("unknown action kind")
	}
}

func (p *Processor) handleNewConnection(a Action) {
	if p.isKnown(a.Cid) {
		p.log.Warn().Uint64("cid", uint64(a.Cid)).Msg("duplicate NewConnection ignored")
		return
	}
	p.pending[a.Cid] = newPendingConnection(a.Cid, a.Channel, time.Now().Add(p.cfg.AuthTimeout))
}

func (p *Processor) handleAssociate(a Action) {
	pc, ok := p.pending[a.Cid]
	if !ok {
		// Unknown or already-associated cid: silent no-op (spec.md §9).
		return
	}
	delete(p.pending, a.Cid)
	ac := pc.associate(a.SessionId)
	p.active[a.Cid] = ac

	entry := p.sessions[a.SessionId]
	if entry == nil {
		entry = &sessionEntry{cids: *newCidSet()}
		p.sessions[a.SessionId] = entry
	}
	entry.cids.Add(a.Cid)

	for userId := range ac.watchedUsers {
		p.watchersFor(userId).Add(a.Cid)
	}

	ac.channel.Send(connchan.Hello(a.SessionId, a.HelloData))
	for _, buffered := range pc.messageBuffer {
		ac.channel.Send(connchan.Publish(buffered.topic, buffered.payload))
	}
}

func (p *Processor) handleDisconnect(a Action) {
	if pc, ok := p.pending[a.Cid]; ok {
		pc.channel.Send(connchan.StopSock(a.DisconnectReason))
		pc.channel.Close()
		delete(p.pending, a.Cid)
		return
	}
	ac, ok := p.active[a.Cid]
	if !ok {
		return
	}
	for topic := range ac.topics {
		p.removeSubscriber(topic, a.Cid)
	}
	for ns := range ac.lattices {
		if ls, ok := p.lattices[ns]; ok {
			ls.subscribers.Remove(a.Cid)
			if ls.subscribers.Len() == 0 {
				ls.idleSince = time.Now()
			}
		}
	}
	for userId := range ac.watchedUsers {
		if ws, ok := p.userWatchers[userId]; ok {
			ws.Remove(a.Cid)
		}
	}
	if entry, ok := p.sessions[ac.sessionId]; ok {
		entry.cids.Remove(a.Cid)
		if entry.cids.Len() == 0 {
			delete(p.sessions, ac.sessionId)
		}
	}
	ac.channel.Send(connchan.StopSock(a.DisconnectReason))
	ac.channel.Close()
	delete(p.active, a.Cid)
}

func (p *Processor) handleSubscribe(a Action) {
	if !p.isKnown(a.Cid) {
		return // spec.md §9: unknown-cid Subscribe is a silent no-op.
	}
	p.topicSubscribers(a.Topic).Add(a.Cid)
	if ac, ok := p.active[a.Cid]; ok {
		ac.topics.Add(a.Topic)
	} else if pc, ok := p.pending[a.Cid]; ok {
		pc.topics.Add(a.Topic)
	}
}

func (p *Processor) handleUnsubscribe(a Action) {
	p.removeSubscriber(a.Topic, a.Cid)
	if ac, ok := p.active[a.Cid]; ok {
		ac.topics.Remove(a.Topic)
	} else if pc, ok := p.pending[a.Cid]; ok {
		pc.topics.Remove(a.Topic)
	}
}

func (p *Processor) removeSubscriber(topic ids.Topic, cid ids.Cid) {
	s, ok := p.topics[topic]
	if !ok {
		return
	}
	s.Remove(cid)
	if s.Len() == 0 {
		delete(p.topics, topic)
	}
}

func (p *Processor) handlePublish(a Action) {
	s, ok := p.topics[a.Topic]
	if !ok {
		return
	}
	// Fan-out follows insertion order (spec.md §4.2).
	for _, cid := range s.Ordered() {
		if ac, ok := p.active[cid]; ok {
			if !ac.channel.Send(connchan.Publish(a.Topic, a.Payload)) {
				p.dropOverloaded(cid)
			}
			continue
		}
		if pc, ok := p.pending[cid]; ok {
			pc.messageBuffer = append(pc.messageBuffer, bufferedMessage{topic: a.Topic, payload: a.Payload})
		}
	}
}

func (p *Processor) handleAttach(a Action) {
	if !p.isKnown(a.Cid) {
		return
	}
	ls := p.latticeFor(a.Namespace)
	ls.subscribers.Add(a.Cid)
	ls.idleSince = time.Time{}
	if ac, ok := p.active[a.Cid]; ok {
		ac.lattices.Add(a.Namespace)
		ac.channel.Send(connchan.LatticeUpdate(a.Namespace, ls.snapshot()))
	} else if pc, ok := p.pending[a.Cid]; ok {
		pc.lattices.Add(a.Namespace)
	}
}

func (p *Processor) handleDetach(a Action) {
	ls, ok := p.lattices[a.Namespace]
	if !ok {
		return
	}
	ls.subscribers.Remove(a.Cid)
	if ls.subscribers.Len() == 0 {
		ls.idleSince = time.Now()
	}
	if ac, ok := p.active[a.Cid]; ok {
		ac.lattices.Remove(a.Namespace)
	} else if pc, ok := p.pending[a.Cid]; ok {
		pc.lattices.Remove(a.Namespace)
	}
}

func (p *Processor) handleLattice(a Action) {
	ls := p.latticeFor(a.Namespace)
	diff, err := lattice.MergeDelta(ls.values, a.Delta)
	if err != nil {
		p.log.Warn().Err(err).Str("namespace", string(a.Namespace)).Msg("rejected malformed lattice delta")
		return
	}
	if len(diff) == 0 {
		return // monotone merge was a no-op; nothing to fan out.
	}
	for _, cid := range ls.subscribers.Ordered() {
		if ac, ok := p.active[cid]; ok {
			if !ac.channel.Send(connchan.LatticeUpdate(a.Namespace, diff)) {
				p.dropOverloaded(cid)
			}
		}
	}
}

func (p *Processor) handleAttachUsers(a Action) {
	if !p.isKnown(a.Cid) {
		return
	}
	for _, userId := range a.SessionIds {
		p.watchersFor(userId).Add(a.Cid)
		if ac, ok := p.active[a.Cid]; ok {
			ac.watchedUsers.Add(userId)
			ac.watchesUsers = true
			if data, ok := p.presence[userId]; ok {
				ac.channel.Send(connchan.LatticeUpdate(ids.UsersLatticeNamespace, lattice.Delta{string(userId): data.Clone()}))
			}
		} else if pc, ok := p.pending[a.Cid]; ok {
			pc.watchedUsers.Add(userId)
		}
	}
}

func (p *Processor) handleUpdateUsers(a Action) {
	data, ok := a.Delta[string(a.SessionId)]
	if !ok {
		return
	}
	current := p.presence[a.SessionId]
	if current == nil {
		current = make(lattice.Values)
	}
	diff, err := lattice.MergeValues(current, data)
	if err != nil {
		p.log.Warn().Err(err).Str("session_id", string(a.SessionId)).Msg("rejected malformed presence update")
		return
	}
	p.presence[a.SessionId] = current
	if len(diff) == 0 {
		return
	}
	watchers, ok := p.userWatchers[a.SessionId]
	if !ok {
		return
	}
	update := lattice.Delta{string(a.SessionId): diff}
	for _, cid := range watchers.Ordered() {
		if ac, ok := p.active[cid]; ok {
			if !ac.channel.Send(connchan.LatticeUpdate(ids.UsersLatticeNamespace, update)) {
				p.dropOverloaded(cid)
			}
		}
	}
}

func (p *Processor) handleDetachUsers(a Action) {
	var watched sessionIdSet
	if ac, ok := p.active[a.Cid]; ok {
		watched = ac.watchedUsers
		ac.watchedUsers = make(sessionIdSet)
		ac.watchesUsers = false
	} else if pc, ok := p.pending[a.Cid]; ok {
		watched = pc.watchedUsers
		pc.watchedUsers = make(sessionIdSet)
	}
	for userId := range watched {
		if ws, ok := p.userWatchers[userId]; ok {
			ws.Remove(a.Cid)
		}
	}
}

func (p *Processor) isKnown(cid ids.Cid) bool {
	if _, ok := p.pending[cid]; ok {
		return true
	}
	_, ok := p.active[cid]
	return ok
}

func (p *Processor) topicSubscribers(t ids.Topic) *cidSet {
	s, ok := p.topics[t]
	if !ok {
		s = newCidSet()
		p.topics[t] = s
	}
	return s
}

func (p *Processor) latticeFor(ns ids.Namespace) *latticeState {
	ls, ok := p.lattices[ns]
	if !ok {
		ls = newLatticeState()
		p.lattices[ns] = ls
	}
	return ls
}

func (p *Processor) watchersFor(userId ids.SessionId) *cidSet {
	s, ok := p.userWatchers[userId]
	if !ok {
		s = newCidSet()
		p.userWatchers[userId] = s
	}
	return s
}

// dropOverloaded tears down a connection whose channel has exceeded its
// high-water mark, mirroring handleDisconnect but synthesizing the
// reason locally rather than requiring a caller-submitted Action.
func (p *Processor) dropOverloaded(cid ids.Cid) {
	p.handleDisconnect(Action{Kind: ActionDisconnect, Cid: cid, DisconnectReason: connchan.CloseOverloaded})
}

func (p *Processor) sweepAuthTimeouts() {
	now := time.Now()
	var expired []ids.Cid
	for cid, pc := range p.pending {
		if now.After(pc.authDeadline) {
			expired = append(expired, cid)
		}
	}
	for _, cid := range expired {
		pc := p.pending[cid]
		pc.channel.Send(connchan.FatalError(connchan.ErrForbidden, 0, json.RawMessage(`"auth_timeout"`)))
		pc.channel.Send(connchan.StopSock(connchan.CloseAuthTimeout))
		pc.channel.Close()
		delete(p.pending, cid)
	}
}

func (p *Processor) sweepIdleLattices() {
	now := time.Now()
	for ns, ls := range p.lattices {
		if ls.subscribers.Len() == 0 && !ls.idleSince.IsZero() && now.Sub(ls.idleSince) > p.cfg.LatticeIdleTTL {
			delete(p.lattices, ns)
		}
	}
}

func (p *Processor) closeAll(reason connchan.CloseReason) {
	for cid := range p.pending {
		pc := p.pending[cid]
		pc.channel.Send(connchan.StopSock(reason))
		pc.channel.Close()
	}
	for cid := range p.active {
		ac := p.active[cid]
		ac.channel.Send(connchan.StopSock(reason))
		ac.channel.Close()
	}
	p.pending = make(map[ids.Cid]*pendingConnection)
	p.active = make(map[ids.Cid]*activeConnection)
}
