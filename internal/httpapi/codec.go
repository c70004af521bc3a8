// Package httpapi implements the control-plane HTTP codec (spec.md
// §4.4, §6): it parses a route, decides whether the action applies to
// this node's Processor, the replication fabric, or both, and renders
// the plain status-code-only response the collaborator API expects.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/lattice"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/latticeio/latticed/internal/replication"
	"github.com/rs/zerolog"
)

// PoolRegistry resolves a SessionPoolName to the Processor that owns it
// and submits an Action to it. Submit reports false if the pool does not
// exist (or has been closed), which the codec turns into a 404.
type PoolRegistry interface {
	Submit(pool ids.SessionPoolName, action processor.Action) bool
}

// CidLocator answers which node owns a live Cid. Implementations track
// this from NewConnection/Disconnect traffic; an unknown Cid is assumed
// local so a request arriving before replication has converged still has
// a sane default (spec.md §4.4's skip-if-foreign policy degrades to "try
// locally" rather than silently dropping work).
type CidLocator interface {
	Owner(cid ids.Cid) ids.ServerId
}

// Config bounds request handling per spec.md §4.4.
type Config struct {
	MaxPayloadSize  int64
	WeakContentType bool // if true, missing/invalid Content-Type logs and continues instead of 400
}

func DefaultConfig() Config {
	return Config{MaxPayloadSize: 1 << 20, WeakContentType: false}
}

// Codec wires the HTTP control plane to a local PoolRegistry and the
// replication fabric's outgoing envelope channel.
type Codec struct {
	cfg      Config
	self     ids.ServerId
	pools    PoolRegistry
	locator  CidLocator
	outgoing chan<- replication.Envelope
	log      zerolog.Logger
}

func New(cfg Config, self ids.ServerId, pools PoolRegistry, locator CidLocator, outgoing chan<- replication.Envelope, log zerolog.Logger) *Codec {
	return &Codec{
		cfg:      cfg,
		self:     self,
		pools:    pools,
		locator:  locator,
		outgoing: outgoing,
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

// Mux returns the routed handler for every route in spec.md §6, ready to
// mount under "/v1/" (the patterns below already include that prefix).
func (c *Codec) Mux(pool ids.SessionPoolName) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/connection/{cid}/subscriptions/{topic...}", c.handleSubscribe(pool))
	mux.HandleFunc("DELETE /v1/connection/{cid}/subscriptions/{topic...}", c.handleUnsubscribe(pool))
	mux.HandleFunc("POST /v1/publish/{topic...}", c.handlePublish(pool))
	mux.HandleFunc("PUT /v1/connection/{cid}/lattices/{ns...}", c.handleAttachLattice(pool))
	mux.HandleFunc("DELETE /v1/connection/{cid}/lattices/{ns...}", c.handleDetachLattice(pool))
	mux.HandleFunc("PUT /v1/connection/{cid}/users", c.handleAttachUsers(pool))
	mux.HandleFunc("DELETE /v1/connection/{cid}/users", c.handleDetachUsers(pool))
	mux.HandleFunc("PUT /v1/user/{session_id}/users", c.handleUpdateUsers(pool))
	mux.HandleFunc("POST /v1/lattice/{ns...}", c.handleLattice(pool))
	return mux
}

// --- shared helpers ---

func (c *Codec) writeStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func (c *Codec) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if !c.checkContentType(w, r) {
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, c.cfg.MaxPayloadSize+1))
	if err != nil {
		c.writeStatus(w, http.StatusBadRequest)
		return nil, false
	}
	if int64(len(body)) > c.cfg.MaxPayloadSize {
		c.writeStatus(w, http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (c *Codec) checkContentType(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		return true
	}
	if c.cfg.WeakContentType {
		c.log.Warn().Str("content_type", ct).Str("path", r.URL.Path).Msg("missing or invalid Content-Type accepted (weak_content_type)")
		return true
	}
	c.writeStatus(w, http.StatusBadRequest)
	return false
}

func (c *Codec) parseCid(w http.ResponseWriter, r *http.Request) (ids.Cid, bool) {
	cid, err := ids.ParseCid(r.PathValue("cid"))
	if err != nil {
		c.writeStatus(w, http.StatusBadRequest)
		return 0, false
	}
	return cid, true
}

// parseDottedPath re-joins a {name...} wildcard capture (still "/"
// separated) into a dotted Topic/Namespace string, rejecting any segment
// that itself contains a dot (spec.md §6, path rules).
func parseDottedPath(raw string) (string, error) {
	segments := strings.Split(strings.Trim(raw, "/"), "/")
	return ids.JoinSegments(segments)
}

func (c *Codec) parseTopic(w http.ResponseWriter, raw string) (ids.Topic, bool) {
	joined, err := parseDottedPath(raw)
	if err != nil {
		c.writeStatus(w, http.StatusNotFound)
		return "", false
	}
	topic, err := ids.ParseTopic(joined)
	if err != nil {
		c.writeStatus(w, http.StatusBadRequest)
		return "", false
	}
	return topic, true
}

func (c *Codec) parseNamespace(w http.ResponseWriter, raw string) (ids.Namespace, bool) {
	joined, err := parseDottedPath(raw)
	if err != nil {
		c.writeStatus(w, http.StatusNotFound)
		return "", false
	}
	ns, err := ids.ParseNamespace(joined)
	if err != nil {
		c.writeStatus(w, http.StatusBadRequest)
		return "", false
	}
	if ns.Reserved() {
		c.writeStatus(w, http.StatusForbidden)
		return "", false
	}
	return ns, true
}

// submitOrForward applies a connection-scoped Action locally when this
// node owns cid, or forwards it to the owning peer over replication
// otherwise — never both (spec.md §4.4: "the local Action is skipped
// and only the RemoteAction is emitted"). It reports false when the
// action was ours to submit locally and PoolRegistry.Submit says the
// pool doesn't exist; a forwarded action always reports true, since
// there's no synchronous way to learn whether the remote pool exists.
func (c *Codec) submitOrForward(pool ids.SessionPoolName, cid ids.Cid, local processor.Action, remote replication.RemoteAction) bool {
	owner := c.locator.Owner(cid)
	if owner == c.self {
		return c.pools.Submit(pool, local)
	}
	remote.ServerId = owner
	c.forward(pool, remote)
	return true
}

// broadcast applies a pool-scoped Action (Publish, Lattice, UpdateUsers)
// locally and unconditionally fans it out to every peer, since those
// actions must converge on every node's replica of the namespace/topic,
// not just the one that received the HTTP request. It reports whatever
// the local Submit reported.
func (c *Codec) broadcast(pool ids.SessionPoolName, local processor.Action, remote replication.RemoteAction) bool {
	ok := c.pools.Submit(pool, local)
	c.forward(pool, remote)
	return ok
}

// writeSubmitResult renders the outcome of a submitOrForward/broadcast
// call: 204 on success, 404 when the pool doesn't exist (or has been
// closed), per PoolRegistry's documented contract above.
func (c *Codec) writeSubmitResult(w http.ResponseWriter, ok bool) {
	if !ok {
		c.writeStatus(w, http.StatusNotFound)
		return
	}
	c.writeStatus(w, http.StatusNoContent)
}

func (c *Codec) forward(pool ids.SessionPoolName, remote replication.RemoteAction) {
	select {
	case c.outgoing <- replication.Envelope{Pool: pool, Action: remote}:
	default:
		c.log.Warn().Msg("replication outgoing queue full, dropping envelope")
	}
}

func decodeDelta(body []byte) (lattice.Delta, error) {
	var delta lattice.Delta
	if err := json.Unmarshal(body, &delta); err != nil {
		return nil, err
	}
	return delta, nil
}

func decodeValues(body []byte) (lattice.Values, error) {
	var values lattice.Values
	if err := json.Unmarshal(body, &values); err != nil {
		return nil, err
	}
	return values, nil
}
