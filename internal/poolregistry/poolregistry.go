// Package poolregistry binds a fixed set of named Processors into the
// single PoolRegistry/LocalDispatcher/wsconnector.Dispatcher the HTTP
// control plane, replication fabric and WebSocket connector all submit
// work through, plus the CidLocator the control plane uses to decide
// whether a Cid belongs to this node.
package poolregistry

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/lattice"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/latticeio/latticed/internal/replication"
	"github.com/rs/zerolog"
)

// Registry owns one Processor per configured SessionPoolName and tracks
// which node owns each live Cid, learned from NewConnection/Disconnect
// traffic flowing through Submit.
type Registry struct {
	self  ids.ServerId
	procs map[ids.SessionPoolName]*processor.Processor
	log   zerolog.Logger

	mu     sync.RWMutex
	cidOf  map[ids.Cid]ids.ServerId
	active int64 // count of locally-owned cids, read by resourceguard
}

func New(self ids.ServerId, log zerolog.Logger) *Registry {
	return &Registry{
		self:  self,
		procs: make(map[ids.SessionPoolName]*processor.Processor),
		cidOf: make(map[ids.Cid]ids.ServerId),
		log:   log.With().Str("component", "poolregistry").Logger(),
	}
}

// ActiveConnections exposes the live local-connection counter as the
// pointer resourceguard.Guard samples for its connection-cap check. The
// registry, not the HTTP admission path, is the single source of truth
// for this count since it already tracks Cid ownership off the same
// NewConnection/Disconnect traffic.
func (r *Registry) ActiveConnections() *int64 { return &r.active }

// Register adds a Processor under its own Pool name. Call before Run
// starts serving traffic; the registry itself never starts or stops a
// Processor's goroutine.
func (r *Registry) Register(p *processor.Processor) {
	r.procs[p.Pool] = p
}

func (r *Registry) Processor(pool ids.SessionPoolName) (*processor.Processor, bool) {
	p, ok := r.procs[pool]
	return p, ok
}

func (r *Registry) Pools() []*processor.Processor {
	out := make([]*processor.Processor, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// Submit implements httpapi.PoolRegistry, kafkabridge.Dispatcher and
// wsconnector.Dispatcher (the latter bound to a single pool at
// construction time in main, since one Connector serves exactly one
// pool). It also updates the Cid ownership index off NewConnection and
// Disconnect actions so CidLocator answers stay current without a
// separate bookkeeping pass.
func (r *Registry) Submit(pool ids.SessionPoolName, action processor.Action) bool {
	p, ok := r.procs[pool]
	if !ok {
		return false
	}

	switch action.Kind {
	case processor.ActionNewConnection:
		r.mu.Lock()
		r.cidOf[action.Cid] = r.self
		r.mu.Unlock()
		atomic.AddInt64(&r.active, 1)
	case processor.ActionDisconnect:
		r.mu.Lock()
		_, existed := r.cidOf[action.Cid]
		delete(r.cidOf, action.Cid)
		r.mu.Unlock()
		if existed {
			atomic.AddInt64(&r.active, -1)
		}
	}

	select {
	case p.Actions() <- action:
		return true
	default:
		r.log.Warn().Str("pool", string(pool)).Msg("processor action queue full, dropping")
		return false
	}
}

// Owner implements httpapi.CidLocator. An unknown Cid defaults to this
// node (spec.md §4.4's skip-if-foreign policy degrades to "try locally").
func (r *Registry) Owner(cid ids.Cid) ids.ServerId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if owner, ok := r.cidOf[cid]; ok {
		return owner
	}
	return r.self
}

// Dispatch implements replication.LocalDispatcher: it applies a remote
// peer's action to the named pool's Processor, translating the
// wire-level RemoteAction back into a processor.Action.
func (r *Registry) Dispatch(pool ids.SessionPoolName, action replication.RemoteAction) {
	p, ok := r.procs[pool]
	if !ok {
		return
	}

	local, ok := r.toLocalAction(action)
	if !ok {
		return
	}

	select {
	case p.Actions() <- local:
	default:
		r.log.Warn().Str("pool", string(pool)).Msg("processor action queue full, dropping replicated action")
	}
}

func (r *Registry) toLocalAction(a replication.RemoteAction) (processor.Action, bool) {
	switch a.Kind {
	case replication.RemoteSubscribe:
		return processor.SubscribeAction(a.Cid, a.Topic), true
	case replication.RemoteUnsubscribe:
		return processor.UnsubscribeAction(a.Cid, a.Topic), true
	case replication.RemoteAttach:
		return processor.AttachAction(a.Cid, a.Namespace), true
	case replication.RemoteDetach:
		return processor.DetachAction(a.Cid, a.Namespace), true
	case replication.RemotePublish:
		return processor.PublishAction(a.Topic, a.Payload), true
	case replication.RemoteLattice:
		var delta lattice.Delta
		if err := json.Unmarshal(a.Delta, &delta); err != nil {
			r.log.Warn().Err(err).Msg("failed to decode replicated lattice delta")
			return processor.Action{}, false
		}
		return processor.LatticeAction(a.Namespace, delta), true
	case replication.RemoteAttachUsers:
		return processor.AttachUsersAction(a.Cid, a.SessionIds), true
	case replication.RemoteUpdateUsers:
		var values lattice.Values
		if err := json.Unmarshal(a.Delta, &values); err != nil {
			r.log.Warn().Err(err).Msg("failed to decode replicated presence values")
			return processor.Action{}, false
		}
		return processor.UpdateUsersAction(a.SessionId, values), true
	case replication.RemoteDetachUsers:
		return processor.DetachUsersAction(a.Cid), true
	default:
		return processor.Action{}, false
	}
}
