package replication

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	dispatched chan RemoteAction
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{dispatched: make(chan RemoteAction, 16)}
}

func (d *recordingDispatcher) Dispatch(pool ids.SessionPoolName, action RemoteAction) {
	d.dispatched <- action
}

func newTestWatcher(serverId ids.ServerId, d LocalDispatcher) *Watcher {
	return New(DefaultConfig(serverId, nil), d, zerolog.Nop())
}

// dialWS returns a live client-side *websocket.Conn connected to a test
// server running the given handler.
func dialWS(t *testing.T, handler http.Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

var bareUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// dialBareWS connects a client to a server that only completes the
// WebSocket upgrade and otherwise drains frames; used to hand handleAttach
// a real *websocket.Conn without exercising the handshake path.
func dialBareWS(t *testing.T) *websocket.Conn {
	t.Helper()
	return dialWS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := bareUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestHandshake_ExchangesServerIds(t *testing.T) {
	w := newTestWatcher(ids.ServerId("server-a"), newRecordingDispatcher())
	client := dialWS(t, http.HandlerFunc(w.Accept))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("server-b")))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "server-a", string(data))
}

func TestLocalSend_DropsActionForForeignCid(t *testing.T) {
	d := newRecordingDispatcher()
	w := newTestWatcher(ids.ServerId("self"), d)

	w.localSend(Envelope{
		Pool:   ids.SessionPoolName("p"),
		Action: RemoteAction{Kind: RemoteSubscribe, ServerId: ids.ServerId("other"), Cid: ids.Cid(1)},
	})
	select {
	case <-d.dispatched:
		t.Fatal("expected foreign-cid action to be dropped")
	default:
	}

	w.localSend(Envelope{
		Pool:   ids.SessionPoolName("p"),
		Action: RemoteAction{Kind: RemoteSubscribe, ServerId: ids.ServerId("self"), Cid: ids.Cid(1)},
	})
	select {
	case a := <-d.dispatched:
		require.Equal(t, ids.Cid(1), a.Cid)
	case <-time.After(time.Second):
		t.Fatal("expected local-cid action to be dispatched")
	}
}

func TestLocalSend_PublishAndLatticeAlwaysApply(t *testing.T) {
	d := newRecordingDispatcher()
	w := newTestWatcher(ids.ServerId("self"), d)

	w.localSend(Envelope{
		Pool:   ids.SessionPoolName("p"),
		Action: RemoteAction{Kind: RemotePublish, Topic: ids.Topic("room.1")},
	})
	select {
	case a := <-d.dispatched:
		require.Equal(t, RemotePublish, a.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected publish to be dispatched regardless of ServerId")
	}
}

func TestHandleAttach_SimultaneousDialKeepsOneLinkByServerIdTieBreak(t *testing.T) {
	// "aaa" < "zzz": this node's own outbound link must close, leaving
	// the inbound link (the peer's outbound, the larger ServerId) as
	// canonical.
	w := newTestWatcher(ids.ServerId("aaa"), newRecordingDispatcher())

	firstConn := dialBareWS(t)
	first := &link{serverId: ids.ServerId("zzz"), send: make(chan []byte, 1), conn: firstConn}
	w.handleAttach(attachMsg{serverId: "zzz", outbound: false, link: first})
	require.Same(t, first, w.links[ids.ServerId("zzz")])

	secondConn := dialBareWS(t)
	second := &link{serverId: ids.ServerId("zzz"), send: make(chan []byte, 1), conn: secondConn}
	w.handleAttach(attachMsg{serverId: "zzz", outbound: true, link: second})
	require.Same(t, first, w.links[ids.ServerId("zzz")], "smaller ServerId's own outbound link must lose the tie-break")
}

func TestHandleAttach_SimultaneousDialLargerServerIdOutboundSurvives(t *testing.T) {
	// "zzz" > "aaa": this node's own outbound link is canonical and must
	// survive; the inbound link (the peer's outbound, the smaller
	// ServerId) closes instead.
	w := newTestWatcher(ids.ServerId("zzz"), newRecordingDispatcher())

	inboundConn := dialBareWS(t)
	inbound := &link{serverId: ids.ServerId("aaa"), send: make(chan []byte, 1), conn: inboundConn}
	w.handleAttach(attachMsg{serverId: "aaa", outbound: false, link: inbound})
	require.Same(t, inbound, w.links[ids.ServerId("aaa")])

	outboundConn := dialBareWS(t)
	outbound := &link{serverId: ids.ServerId("aaa"), send: make(chan []byte, 1), conn: outboundConn}
	w.handleAttach(attachMsg{serverId: "aaa", outbound: true, link: outbound})
	require.Same(t, outbound, w.links[ids.ServerId("aaa")], "larger ServerId's own outbound link must win the tie-break")
}

func TestRemoteSend_EncodesEnvelopeOnce(t *testing.T) {
	w := newTestWatcher(ids.ServerId("self"), newRecordingDispatcher())

	l := &link{serverId: ids.ServerId("peer"), send: make(chan []byte, 4)}
	w.links[l.serverId] = l

	w.remoteSend(Envelope{
		Pool:   ids.SessionPoolName("p"),
		Action: RemoteAction{Kind: RemotePublish, Topic: ids.Topic("room.1")},
	})

	select {
	case data := <-l.send:
		require.Contains(t, string(data), `"pool":"p"`)
	default:
		t.Fatal("expected an encoded envelope to be queued on the link")
	}
}
