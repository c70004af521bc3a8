package processor

import (
	"encoding/json"

	"github.com/latticeio/latticed/internal/connchan"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/lattice"
)

// ActionKind tags the variant of an Action, the Processor's sole input
// type (spec.md §4.2).
type ActionKind int

const (
	ActionNewConnection ActionKind = iota
	ActionAssociate
	ActionDisconnect
	ActionSubscribe
	ActionUnsubscribe
	ActionPublish
	ActionAttach
	ActionDetach
	ActionLattice
	ActionAttachUsers
	ActionUpdateUsers
	ActionDetachUsers
)

// Action is a tagged union dispatched into one Processor's run loop. All
// Actions against a single pool are totally ordered; across pools there
// is no ordering guarantee (spec.md §4.2, §5).
type Action struct {
	Kind ActionKind
	Cid  ids.Cid

	Channel *connchan.Channel // NewConnection

	SessionId ids.SessionId   // Associate, UpdateUsers
	HelloData json.RawMessage // Associate

	DisconnectReason connchan.CloseReason // Disconnect

	Topic   ids.Topic       // Subscribe, Unsubscribe, Publish
	Payload json.RawMessage // Publish

	Namespace ids.Namespace // Attach, Detach, Lattice
	Delta     lattice.Delta // Lattice, UpdateUsers (single-key delta under SessionId)

	SessionIds []ids.SessionId // AttachUsers
}

func NewConnectionAction(cid ids.Cid, ch *connchan.Channel) Action {
	return Action{Kind: ActionNewConnection, Cid: cid, Channel: ch}
}

func AssociateAction(cid ids.Cid, sessionId ids.SessionId, data json.RawMessage) Action {
	return Action{Kind: ActionAssociate, Cid: cid, SessionId: sessionId, HelloData: data}
}

func DisconnectAction(cid ids.Cid, reason connchan.CloseReason) Action {
	return Action{Kind: ActionDisconnect, Cid: cid, DisconnectReason: reason}
}

func SubscribeAction(cid ids.Cid, topic ids.Topic) Action {
	return Action{Kind: ActionSubscribe, Cid: cid, Topic: topic}
}

func UnsubscribeAction(cid ids.Cid, topic ids.Topic) Action {
	return Action{Kind: ActionUnsubscribe, Cid: cid, Topic: topic}
}

func PublishAction(topic ids.Topic, payload json.RawMessage) Action {
	return Action{Kind: ActionPublish, Topic: topic, Payload: payload}
}

func AttachAction(cid ids.Cid, ns ids.Namespace) Action {
	return Action{Kind: ActionAttach, Cid: cid, Namespace: ns}
}

func DetachAction(cid ids.Cid, ns ids.Namespace) Action {
	return Action{Kind: ActionDetach, Cid: cid, Namespace: ns}
}

func LatticeAction(ns ids.Namespace, delta lattice.Delta) Action {
	return Action{Kind: ActionLattice, Namespace: ns, Delta: delta}
}

func AttachUsersAction(cid ids.Cid, sessionIds []ids.SessionId) Action {
	return Action{Kind: ActionAttachUsers, Cid: cid, SessionIds: sessionIds}
}

// UpdateUsersAction carries presence data for one session as a single
// Values record under the session's own key (see DESIGN.md for why the
// wire body is a Values record rather than the literal `[SessionId,...]`
// the spec's HTTP table shows for this row).
func UpdateUsersAction(sessionId ids.SessionId, data lattice.Values) Action {
	return Action{Kind: ActionUpdateUsers, SessionId: sessionId, Delta: lattice.Delta{string(sessionId): data}}
}

func DetachUsersAction(cid ids.Cid) Action {
	return Action{Kind: ActionDetachUsers, Cid: cid}
}
