package httpapi

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/latticeio/latticed/internal/replication"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu          sync.Mutex
	actions     []processor.Action
	missingPool ids.SessionPoolName // Submit reports false for this pool, as if it didn't exist
}

func (r *fakeRegistry) Submit(pool ids.SessionPoolName, action processor.Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missingPool == pool {
		return false
	}
	r.actions = append(r.actions, action)
	return true
}

func (r *fakeRegistry) last() processor.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actions[len(r.actions)-1]
}

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

type fakeLocator struct {
	owners map[ids.Cid]ids.ServerId
	self   ids.ServerId
}

func (l *fakeLocator) Owner(cid ids.Cid) ids.ServerId {
	if owner, ok := l.owners[cid]; ok {
		return owner
	}
	return l.self
}

const testPool = ids.SessionPoolName("pool-1")

func newTestCodec(t *testing.T) (*Codec, *fakeRegistry, *fakeLocator, chan replication.Envelope) {
	t.Helper()
	reg := &fakeRegistry{}
	loc := &fakeLocator{owners: make(map[ids.Cid]ids.ServerId), self: ids.ServerId("self")}
	out := make(chan replication.Envelope, 16)
	c := New(DefaultConfig(), ids.ServerId("self"), reg, loc, out, zerolog.Nop())
	return c, reg, loc, out
}

func TestSubscribe_LocalCidAppliesLocallyWithoutForwarding(t *testing.T) {
	c, reg, _, out := newTestCodec(t)
	mux := c.Mux(testPool)

	req := httptest.NewRequest("PUT", "/v1/connection/42/subscriptions/room/living", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 204, rec.Code)
	require.Equal(t, 1, reg.count())
	require.Equal(t, processor.ActionSubscribe, reg.last().Kind)
	require.Equal(t, ids.Topic("room.living"), reg.last().Topic)
	select {
	case <-out:
		t.Fatal("a locally-owned cid must not produce a replication envelope")
	default:
	}
}

func TestSubscribe_ForeignCidForwardsWithoutLocalAction(t *testing.T) {
	c, reg, loc, out := newTestCodec(t)
	loc.owners[ids.Cid(7)] = ids.ServerId("peer-b")
	mux := c.Mux(testPool)

	req := httptest.NewRequest("PUT", "/v1/connection/7/subscriptions/room/living", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 204, rec.Code)
	require.Equal(t, 0, reg.count())
	env := <-out
	require.Equal(t, replication.RemoteSubscribe, env.Action.Kind)
	require.Equal(t, ids.ServerId("peer-b"), env.Action.ServerId)
}

func TestSubscribe_MissingPoolReturns404(t *testing.T) {
	c, reg, _, _ := newTestCodec(t)
	reg.missingPool = testPool
	mux := c.Mux(testPool)

	req := httptest.NewRequest("PUT", "/v1/connection/42/subscriptions/room/living", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestPublish_MissingPoolReturns404(t *testing.T) {
	c, reg, _, _ := newTestCodec(t)
	reg.missingPool = testPool
	mux := c.Mux(testPool)

	req := httptest.NewRequest("POST", "/v1/publish/room/42", strings.NewReader(`{"x":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestSubscribe_DottedSegmentIsRejected(t *testing.T) {
	c, _, _, _ := newTestCodec(t)
	mux := c.Mux(testPool)

	req := httptest.NewRequest("PUT", "/v1/connection/42/subscriptions/room.living", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestPublish_BroadcastsLocallyAndToReplication(t *testing.T) {
	c, reg, _, out := newTestCodec(t)
	mux := c.Mux(testPool)

	req := httptest.NewRequest("POST", "/v1/publish/room/42", strings.NewReader(`{"x":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 204, rec.Code)
	require.Equal(t, 1, reg.count())
	require.Equal(t, processor.ActionPublish, reg.last().Kind)
	env := <-out
	require.Equal(t, replication.RemotePublish, env.Action.Kind)
	require.JSONEq(t, `{"x":1}`, string(env.Action.Payload))
}

func TestPublish_MissingContentTypeRejectedByDefault(t *testing.T) {
	c, _, _, _ := newTestCodec(t)
	mux := c.Mux(testPool)

	req := httptest.NewRequest("POST", "/v1/publish/room/42", strings.NewReader(`{"x":1}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestAttachLattice_RejectsReservedNamespace(t *testing.T) {
	c, reg, _, out := newTestCodec(t)
	mux := c.Mux(testPool)

	req := httptest.NewRequest("PUT", "/v1/connection/42/lattices/swindon/internal", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 403, rec.Code)
	require.Equal(t, 0, reg.count())
	select {
	case <-out:
		t.Fatal("reserved namespace must not produce local or remote actions")
	default:
	}
}

func TestAttachLattice_MergesThenAttaches(t *testing.T) {
	c, reg, _, out := newTestCodec(t)
	mux := c.Mux(testPool)

	body := `{"room:1":{"score_counter":5}}`
	req := httptest.NewRequest("PUT", "/v1/connection/1/lattices/chat/lobby", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 204, rec.Code)
	require.Equal(t, 2, reg.count())
	require.Equal(t, processor.ActionLattice, reg.actions[0].Kind)
	require.Equal(t, processor.ActionAttach, reg.actions[1].Kind)

	lattice := <-out
	require.Equal(t, replication.RemoteLattice, lattice.Action.Kind)
	// cid 1 is owned locally, so the attach is applied here and not forwarded.
	require.Len(t, out, 0)
}

func TestUpdateUsers_AcceptsValuesRecordBody(t *testing.T) {
	c, reg, _, out := newTestCodec(t)
	mux := c.Mux(testPool)

	body := `{"online_register":{"value":"true","ts":1}}`
	req := httptest.NewRequest("PUT", "/v1/user/target-user/users", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 204, rec.Code)
	require.Equal(t, 1, reg.count())
	require.Equal(t, processor.ActionUpdateUsers, reg.last().Kind)
	env := <-out
	require.Equal(t, replication.RemoteUpdateUsers, env.Action.Kind)
	require.Equal(t, ids.SessionId("target-user"), env.Action.SessionId)
}

func TestPayloadOverLimitRejected(t *testing.T) {
	c, _, _, _ := newTestCodec(t)
	c.cfg.MaxPayloadSize = 4
	mux := c.Mux(testPool)

	req := httptest.NewRequest("POST", "/v1/publish/room/42", strings.NewReader(`{"much too large":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}
