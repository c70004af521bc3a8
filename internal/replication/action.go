// Package replication implements the full-mesh WebSocket fabric that
// keeps topic publishes, lattice deltas and presence updates consistent
// across nodes (spec.md §4.3 Replication). One Watcher actor per process
// owns every peer link; it is driven by the same single-goroutine,
// channel-only discipline as internal/processor.
package replication

import (
	"encoding/json"

	"github.com/latticeio/latticed/internal/ids"
)

// RemoteActionKind tags the variant of a RemoteAction, the subset of
// processor.Action that crosses the wire between nodes. Connection-scoped
// variants carry the ServerId of the node that owns the Cid, so a
// receiving Watcher can drop actions naming a Cid it does not own
// (spec.md §4.3, "loop prevention").
type RemoteActionKind int

const (
	RemoteSubscribe RemoteActionKind = iota
	RemoteUnsubscribe
	RemoteAttach
	RemoteDetach
	RemotePublish
	RemoteLattice
	RemoteAttachUsers
	RemoteUpdateUsers
	RemoteDetachUsers
)

// RemoteAction is one action forwarded to (or received from) a peer node.
type RemoteAction struct {
	Kind     RemoteActionKind
	ServerId ids.ServerId // owning node, set on Subscribe/Unsubscribe/Attach/Detach/AttachUsers/DetachUsers
	Cid      ids.Cid

	Topic ids.Topic

	Namespace ids.Namespace
	Delta     json.RawMessage // lattice.Delta, carried pre-encoded to avoid an import cycle

	Payload json.RawMessage // Publish

	SessionId  ids.SessionId
	SessionIds []ids.SessionId
}

// Envelope is the wire message exchanged between peers: a pool name plus
// the action to apply within it (spec.md §4.3, "{pool, action}").
type Envelope struct {
	Pool   ids.SessionPoolName `json:"pool"`
	Action RemoteAction        `json:"action"`
}

// Local reports whether this action should be applied to the local
// Processor: it is local if it carries no owning ServerId (Publish and
// Lattice fan out to every node) or if the owning ServerId matches us.
func (a RemoteAction) Local(self ids.ServerId) bool {
	switch a.Kind {
	case RemoteSubscribe, RemoteUnsubscribe, RemoteAttach, RemoteDetach, RemoteAttachUsers, RemoteDetachUsers:
		return a.ServerId == self
	default:
		return true
	}
}
