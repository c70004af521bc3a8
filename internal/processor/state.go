package processor

import (
	"encoding/json"
	"time"

	"github.com/latticeio/latticed/internal/connchan"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/lattice"
)

// pendingConnection buffers inbound Publish topics until the connection
// is promoted to active on Hello (spec.md §3, "NewConnection buffers
// inbound messages until Hello").
type pendingConnection struct {
	cid           ids.Cid
	channel       *connchan.Channel
	topics        topicSet
	lattices      namespaceSet
	watchedUsers  sessionIdSet
	messageBuffer []bufferedMessage
	authDeadline  time.Time
}

type bufferedMessage struct {
	topic   ids.Topic
	payload json.RawMessage
}

func newPendingConnection(cid ids.Cid, ch *connchan.Channel, authDeadline time.Time) *pendingConnection {
	return &pendingConnection{
		cid:          cid,
		channel:      ch,
		topics:       make(topicSet),
		lattices:     make(namespaceSet),
		watchedUsers: make(sessionIdSet),
		authDeadline: authDeadline,
	}
}

// activeConnection is a connection that has completed Hello.
type activeConnection struct {
	cid          ids.Cid
	sessionId    ids.SessionId
	channel      *connchan.Channel
	topics       topicSet
	lattices     namespaceSet
	watchesUsers bool
	watchedUsers sessionIdSet
}

func (p *pendingConnection) associate(sessionId ids.SessionId) *activeConnection {
	return &activeConnection{
		cid:          p.cid,
		sessionId:    sessionId,
		channel:      p.channel,
		topics:       p.topics,
		lattices:     p.lattices,
		watchesUsers: len(p.watchedUsers) > 0,
		watchedUsers: p.watchedUsers,
	}
}

// sessionEntry tracks every live Cid for one SessionId, used for
// per-user delivery and presence accounting.
type sessionEntry struct {
	cids cidSet
}

// latticeState mirrors spec.md §3's LatticeState: merged per-key values
// plus the set of connections subscribed to the whole namespace.
type latticeState struct {
	values      lattice.State
	subscribers *cidSet
	idleSince   time.Time // zero while there are subscribers
}

func newLatticeState() *latticeState {
	return &latticeState{
		values:      make(lattice.State),
		subscribers: newCidSet(),
		idleSince:   time.Now(),
	}
}

// snapshot renders the current merged state as a Delta, suitable for
// sending as the initial snapshot on Attach.
func (l *latticeState) snapshot() lattice.Delta {
	out := make(lattice.Delta, len(l.values))
	for k, v := range l.values {
		out[k] = v.Clone()
	}
	return out
}
