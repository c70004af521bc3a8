package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/latticeio/latticed/internal/replication"
)

func (c *Codec) handleSubscribe(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := c.parseCid(w, r)
		if !ok {
			return
		}
		topic, ok := c.parseTopic(w, r.PathValue("topic"))
		if !ok {
			return
		}
		submitted := c.submitOrForward(pool, cid,
			processor.SubscribeAction(cid, topic),
			replication.RemoteAction{Kind: replication.RemoteSubscribe, Cid: cid, Topic: topic})
		c.writeSubmitResult(w, submitted)
	}
}

func (c *Codec) handleUnsubscribe(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := c.parseCid(w, r)
		if !ok {
			return
		}
		topic, ok := c.parseTopic(w, r.PathValue("topic"))
		if !ok {
			return
		}
		submitted := c.submitOrForward(pool, cid,
			processor.UnsubscribeAction(cid, topic),
			replication.RemoteAction{Kind: replication.RemoteUnsubscribe, Cid: cid, Topic: topic})
		c.writeSubmitResult(w, submitted)
	}
}

func (c *Codec) handlePublish(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic, ok := c.parseTopic(w, r.PathValue("topic"))
		if !ok {
			return
		}
		body, ok := c.readBody(w, r)
		if !ok {
			return
		}
		submitted := c.broadcast(pool,
			processor.PublishAction(topic, body),
			replication.RemoteAction{Kind: replication.RemotePublish, Topic: topic, Payload: body})
		c.writeSubmitResult(w, submitted)
	}
}

func (c *Codec) handleAttachLattice(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := c.parseCid(w, r)
		if !ok {
			return
		}
		ns, ok := c.parseNamespace(w, r.PathValue("ns"))
		if !ok {
			return
		}
		body, ok := c.readBody(w, r)
		if !ok {
			return
		}
		delta, err := decodeDelta(body)
		if err != nil {
			c.writeStatus(w, http.StatusBadRequest)
			return
		}

		// Merge converges on every node; attach is scoped to whichever
		// node owns the connection (spec.md §4.4, §9).
		mergeOk := c.broadcast(pool,
			processor.LatticeAction(ns, delta),
			replication.RemoteAction{Kind: replication.RemoteLattice, Namespace: ns, Delta: body})
		attachOk := c.submitOrForward(pool, cid,
			processor.AttachAction(cid, ns),
			replication.RemoteAction{Kind: replication.RemoteAttach, Cid: cid, Namespace: ns})
		c.writeSubmitResult(w, mergeOk && attachOk)
	}
}

func (c *Codec) handleDetachLattice(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := c.parseCid(w, r)
		if !ok {
			return
		}
		ns, ok := c.parseNamespace(w, r.PathValue("ns"))
		if !ok {
			return
		}
		submitted := c.submitOrForward(pool, cid,
			processor.DetachAction(cid, ns),
			replication.RemoteAction{Kind: replication.RemoteDetach, Cid: cid, Namespace: ns})
		c.writeSubmitResult(w, submitted)
	}
}

func (c *Codec) handleAttachUsers(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := c.parseCid(w, r)
		if !ok {
			return
		}
		body, ok := c.readBody(w, r)
		if !ok {
			return
		}
		var sessionIds []ids.SessionId
		if err := json.Unmarshal(body, &sessionIds); err != nil {
			c.writeStatus(w, http.StatusBadRequest)
			return
		}
		submitted := c.submitOrForward(pool, cid,
			processor.AttachUsersAction(cid, sessionIds),
			replication.RemoteAction{Kind: replication.RemoteAttachUsers, Cid: cid, SessionIds: sessionIds})
		c.writeSubmitResult(w, submitted)
	}
}

func (c *Codec) handleDetachUsers(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := c.parseCid(w, r)
		if !ok {
			return
		}
		submitted := c.submitOrForward(pool, cid,
			processor.DetachUsersAction(cid),
			replication.RemoteAction{Kind: replication.RemoteDetachUsers, Cid: cid})
		c.writeSubmitResult(w, submitted)
	}
}

// handleUpdateUsers implements PUT /v1/user/{session_id}/users. The body
// is a single lattice.Values presence record, not the `[SessionId,...]`
// array the route table's literal text shows — see DESIGN.md.
func (c *Codec) handleUpdateUsers(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionId := ids.SessionId(r.PathValue("session_id"))
		body, ok := c.readBody(w, r)
		if !ok {
			return
		}
		values, err := decodeValues(body)
		if err != nil {
			c.writeStatus(w, http.StatusBadRequest)
			return
		}
		submitted := c.broadcast(pool,
			processor.UpdateUsersAction(sessionId, values),
			replication.RemoteAction{Kind: replication.RemoteUpdateUsers, SessionId: sessionId, Delta: body})
		c.writeSubmitResult(w, submitted)
	}
}

func (c *Codec) handleLattice(pool ids.SessionPoolName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns, ok := c.parseNamespace(w, r.PathValue("ns"))
		if !ok {
			return
		}
		body, ok := c.readBody(w, r)
		if !ok {
			return
		}
		delta, err := decodeDelta(body)
		if err != nil {
			c.writeStatus(w, http.StatusBadRequest)
			return
		}
		submitted := c.broadcast(pool,
			processor.LatticeAction(ns, delta),
			replication.RemoteAction{Kind: replication.RemoteLattice, Namespace: ns, Delta: body})
		c.writeSubmitResult(w, submitted)
	}
}
