package processor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/latticeio/latticed/internal/connchan"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/lattice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestProcessor() *Processor {
	return New(ids.SessionPoolName("test-pool"), DefaultConfig(), zerolog.Nop())
}

func recvFrame(t *testing.T, ch *connchan.Channel) connchan.Message {
	t.Helper()
	select {
	case msg := <-ch.Recv():
		return msg
	default:
		t.Fatal("expected a queued message, found none")
		return connchan.Message{}
	}
}

func TestAssociate_SendsHelloThenBufferedMessages(t *testing.T) {
	p := newTestProcessor()
	cid := ids.NewCid()
	ch := connchan.NewChannel(10, 1<<20)

	p.dispatch(NewConnectionAction(cid, ch))
	p.dispatch(SubscribeAction(cid, ids.Topic("room.1")))
	p.dispatch(PublishAction(ids.Topic("room.1"), json.RawMessage(`{"n":1}`)))
	p.dispatch(AssociateAction(cid, ids.SessionId("u1"), json.RawMessage(`{"auth":true}`)))

	hello := recvFrame(t, ch)
	require.Equal(t, connchan.KindHello, hello.Kind)
	require.Equal(t, ids.SessionId("u1"), hello.HelloSessionId)

	buffered := recvFrame(t, ch)
	require.Equal(t, connchan.KindPublish, buffered.Kind)
	require.Equal(t, ids.Topic("room.1"), buffered.PublishTopic)
}

func TestPublish_FanOutFollowsInsertionOrder(t *testing.T) {
	p := newTestProcessor()
	var chans []*connchan.Channel
	var order []ids.Cid
	for i := 0; i < 3; i++ {
		cid := ids.NewCid()
		ch := connchan.NewChannel(10, 1<<20)
		p.dispatch(NewConnectionAction(cid, ch))
		p.dispatch(AssociateAction(cid, ids.SessionId("u"), nil))
		recvFrame(t, ch) // drain hello
		p.dispatch(SubscribeAction(cid, ids.Topic("room.1")))
		chans = append(chans, ch)
		order = append(order, cid)
	}

	p.dispatch(PublishAction(ids.Topic("room.1"), json.RawMessage(`{"v":1}`)))

	got := p.topics[ids.Topic("room.1")].Ordered()
	require.Equal(t, order, got)
	for _, ch := range chans {
		msg := recvFrame(t, ch)
		require.Equal(t, connchan.KindPublish, msg.Kind)
	}
}

func TestPublish_UnknownTopicIsNoOp(t *testing.T) {
	p := newTestProcessor()
	p.dispatch(PublishAction(ids.Topic("nobody.home"), json.RawMessage(`{}`)))
	require.Empty(t, p.topics)
}

func TestSubscribe_UnknownCidIsNoOp(t *testing.T) {
	p := newTestProcessor()
	p.dispatch(SubscribeAction(ids.NewCid(), ids.Topic("room.1")))
	require.Empty(t, p.topics)
}

func TestDisconnect_RemovesConnectionFromEveryIndex(t *testing.T) {
	p := newTestProcessor()
	cid := ids.NewCid()
	ch := connchan.NewChannel(10, 1<<20)
	p.dispatch(NewConnectionAction(cid, ch))
	p.dispatch(AssociateAction(cid, ids.SessionId("u1"), nil))
	recvFrame(t, ch)
	p.dispatch(SubscribeAction(cid, ids.Topic("room.1")))
	p.dispatch(AttachAction(cid, ids.Namespace("chat.lobby")))
	recvFrame(t, ch) // drain lattice snapshot

	p.dispatch(DisconnectAction(cid, connchan.CloseClientQuit))

	require.NotContains(t, p.active, cid)
	require.NotContains(t, p.pending, cid)
	require.NotContains(t, p.topics, ids.Topic("room.1"))
	require.NotContains(t, p.sessions, ids.SessionId("u1"))
	ls, ok := p.lattices[ids.Namespace("chat.lobby")]
	require.True(t, ok)
	require.Equal(t, 0, ls.subscribers.Len())
	require.False(t, ls.idleSince.IsZero())
}

func TestLattice_AttachDeliversSnapshotThenDiffOnly(t *testing.T) {
	p := newTestProcessor()
	ns := ids.Namespace("chat.lobby")

	p.dispatch(LatticeAction(ns, lattice.Delta{
		"room:1": {"score_counter": {Counter: 5}},
	}))

	cid := ids.NewCid()
	ch := connchan.NewChannel(10, 1<<20)
	p.dispatch(NewConnectionAction(cid, ch))
	p.dispatch(AssociateAction(cid, ids.SessionId("u1"), nil))
	recvFrame(t, ch) // hello
	p.dispatch(AttachAction(cid, ns))

	snap := recvFrame(t, ch)
	require.Equal(t, connchan.KindLattice, snap.Kind)
	require.Equal(t, uint64(5), snap.LatticeDiff["room:1"]["score_counter"].Counter)

	// A strictly smaller counter merges to a no-op: nothing is fanned out.
	p.dispatch(LatticeAction(ns, lattice.Delta{
		"room:1": {"score_counter": {Counter: 3}},
	}))
	select {
	case <-ch.Recv():
		t.Fatal("expected no fan-out for a non-increasing merge")
	default:
	}

	p.dispatch(LatticeAction(ns, lattice.Delta{
		"room:1": {"score_counter": {Counter: 9}},
	}))
	diff := recvFrame(t, ch)
	require.Equal(t, uint64(9), diff.LatticeDiff["room:1"]["score_counter"].Counter)
}

func TestPresence_AttachUsersThenUpdateUsersFansOutToWatchersOnly(t *testing.T) {
	p := newTestProcessor()
	watcher := ids.NewCid()
	bystander := ids.NewCid()
	watcherCh := connchan.NewChannel(10, 1<<20)
	bystanderCh := connchan.NewChannel(10, 1<<20)

	p.dispatch(NewConnectionAction(watcher, watcherCh))
	p.dispatch(AssociateAction(watcher, ids.SessionId("w"), nil))
	recvFrame(t, watcherCh)
	p.dispatch(NewConnectionAction(bystander, bystanderCh))
	p.dispatch(AssociateAction(bystander, ids.SessionId("b"), nil))
	recvFrame(t, bystanderCh)

	target := ids.SessionId("target-user")
	p.dispatch(AttachUsersAction(watcher, []ids.SessionId{target}))

	p.dispatch(UpdateUsersAction(target, lattice.Values{
		"online_register": {RegisterValue: "true", RegisterTs: 1},
	}))

	got := recvFrame(t, watcherCh)
	require.Equal(t, connchan.KindLattice, got.Kind)
	require.Equal(t, "true", got.LatticeDiff[string(target)]["online_register"].RegisterValue)

	select {
	case <-bystanderCh.Recv():
		t.Fatal("bystander should not receive presence updates it never watched")
	default:
	}
}

func TestSweepAuthTimeouts_ClosesStalePendingConnections(t *testing.T) {
	p := newTestProcessor()
	cid := ids.NewCid()
	ch := connchan.NewChannel(10, 1<<20)
	p.pending[cid] = newPendingConnection(cid, ch, time.Now().Add(-time.Second))

	p.sweepAuthTimeouts()

	require.NotContains(t, p.pending, cid)
	fatal := recvFrame(t, ch)
	require.Equal(t, connchan.KindFatalError, fatal.Kind)
	stop := recvFrame(t, ch)
	require.Equal(t, connchan.KindStopSock, stop.Kind)
	require.Equal(t, connchan.CloseAuthTimeout, stop.StopReason)
}

func TestSweepIdleLattices_EvictsAfterTTL(t *testing.T) {
	p := newTestProcessor()
	p.cfg.LatticeIdleTTL = time.Millisecond
	ns := ids.Namespace("chat.lobby")
	ls := p.latticeFor(ns)
	ls.idleSince = time.Now().Add(-time.Hour)

	p.sweepIdleLattices()

	require.NotContains(t, p.lattices, ns)
}
