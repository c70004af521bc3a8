package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/logging"
	"github.com/rs/zerolog"
)

// LocalDispatcher applies a RemoteAction received from a peer to the
// named session pool's Processor. Implemented by poolregistry.Registry so
// this package stays free of a processor import cycle.
type LocalDispatcher interface {
	Dispatch(pool ids.SessionPoolName, action RemoteAction)
}

// Config configures one node's replication fabric.
type Config struct {
	ServerId          ids.ServerId
	Peers             []string // host:port of every other node in the mesh
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	LinkQueueSize     int
}

func DefaultConfig(self ids.ServerId, peers []string) Config {
	return Config{
		ServerId:          self,
		Peers:             peers,
		ReconnectInterval: time.Second,
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		LinkQueueSize:     256,
	}
}

type peerStateKind int

const (
	peerConnecting peerStateKind = iota
	peerConnected
)

type peerState struct {
	kind     peerStateKind
	deadline time.Time     // meaningful while connecting
	serverId ids.ServerId  // meaningful once connected
}

// link is one live peer connection, read and written by its own pair of
// goroutines; the Watcher only ever touches the shared maps from its own
// goroutine.
type link struct {
	serverId ids.ServerId
	peerAddr string // "" for an inbound link whose peer address is unknown
	conn     *websocket.Conn
	send     chan []byte
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.send)
		l.conn.Close()
	})
}

type attachMsg struct {
	serverId ids.ServerId
	peerAddr string
	outbound bool
	link     *link
}

// Watcher is the single-goroutine actor owning every peer link for this
// node (spec.md §4.3). Peers is a full mesh: every node dials every other
// configured peer, and simultaneous dials are deduplicated by comparing
// ServerId lexicographically so exactly one link per peer survives.
type Watcher struct {
	cfg        Config
	log        zerolog.Logger
	dispatcher LocalDispatcher
	dialer     *websocket.Dialer
	upgrader   websocket.Upgrader

	peers map[string]*peerState
	links map[ids.ServerId]*link

	incoming chan Envelope
	outgoing chan Envelope
	attach   chan attachMsg
	detach   chan ids.ServerId
	done     chan struct{}
}

func New(cfg Config, dispatcher LocalDispatcher, log zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:        cfg,
		log:        log.With().Str("component", "replication").Str("server_id", string(cfg.ServerId)).Logger(),
		dispatcher: dispatcher,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:    make(map[string]*peerState),
		links:    make(map[ids.ServerId]*link),
		incoming: make(chan Envelope, 1024),
		outgoing: make(chan Envelope, 1024),
		attach:   make(chan attachMsg),
		detach:   make(chan ids.ServerId),
		done:     make(chan struct{}),
	}
}

// Outgoing is how the local control plane forwards an Action to every
// peer node (spec.md §4.3, RemoteAction fan-out).
func (w *Watcher) Outgoing() chan<- Envelope { return w.outgoing }

func (w *Watcher) Stop() { close(w.done) }

// Run is the actor loop. Call it in its own goroutine exactly once.
func (w *Watcher) Run() {
	reconnect := time.NewTicker(w.cfg.ReconnectInterval)
	defer reconnect.Stop()
	w.reconnect() // dial immediately on startup rather than waiting a full tick

	for {
		select {
		case <-w.done:
			for _, l := range w.links {
				l.close()
			}
			return
		case env := <-w.incoming:
			w.localSend(env)
		case env := <-w.outgoing:
			w.remoteSend(env)
		case a := <-w.attach:
			w.handleAttach(a)
		case serverId := <-w.detach:
			if l, ok := w.links[serverId]; ok {
				delete(w.links, serverId)
				l.close()
			}
		case <-reconnect.C:
			w.reconnect()
		}
	}
}

// localSend applies an action received from a peer to the local
// Processor, unless it is connection-scoped and names a Cid this node
// does not own (spec.md §4.3, loop prevention).
func (w *Watcher) localSend(env Envelope) {
	if !env.Action.Local(w.cfg.ServerId) {
		w.log.Debug().Uint64("cid", uint64(env.Action.Cid)).Msg("skipping remote action with non-local cid")
		return
	}
	w.dispatcher.Dispatch(env.Pool, env.Action)
}

// remoteSend serializes env once and fans it out to every live link,
// dropping (and tearing down) any link whose send queue is already full
// rather than blocking the Watcher goroutine.
func (w *Watcher) remoteSend(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to encode outgoing replication envelope")
		return
	}
	for serverId, l := range w.links {
		select {
		case l.send <- data:
		default:
			w.log.Warn().Str("peer", string(serverId)).Msg("replication link overloaded, dropping")
			delete(w.links, serverId)
			l.close()
		}
	}
}

func (w *Watcher) handleAttach(a attachMsg) {
	if existing, ok := w.links[a.serverId]; ok {
		// Simultaneous dial: exactly one direction survives. The node
		// whose ServerId is lexicographically smaller closes its own
		// outbound link; the larger peer's outbound becomes canonical,
		// so both ends converge on the same link without coordinating.
		weAreLarger := w.cfg.ServerId > a.serverId
		if weAreLarger == a.outbound {
			existing.close()
			w.links[a.serverId] = a.link
		} else {
			a.link.close()
			return
		}
	} else {
		w.links[a.serverId] = a.link
	}
	if a.peerAddr != "" {
		w.peers[a.peerAddr] = &peerState{kind: peerConnected, serverId: a.serverId}
	}
	w.log.Info().Str("peer_server_id", string(a.serverId)).Bool("outbound", a.outbound).Msg("replication link established")

	go w.readPump(a.link)
	go w.writePump(a.link)
}

// reconnect dials every configured peer not already connected, mirroring
// the periodic sweep in the original implementation's Watcher.reconnect.
func (w *Watcher) reconnect() {
	now := time.Now()
	for _, addr := range w.cfg.Peers {
		st, ok := w.peers[addr]
		if ok {
			switch st.kind {
			case peerConnected:
				if _, live := w.links[st.serverId]; live {
					continue
				}
			case peerConnecting:
				if st.deadline.After(now) {
					continue
				}
			}
		}
		w.peers[addr] = &peerState{kind: peerConnecting, deadline: now.Add(w.cfg.ConnectTimeout)}
		go w.dial(addr)
	}
}

func (w *Watcher) dial(addr string) {
	defer logging.RecoverPanic(w.log, "replication.dial", map[string]any{"peer": addr})

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ConnectTimeout)
	defer cancel()

	target := "ws://" + addr + "/v1/replication"
	conn, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		w.log.Debug().Err(err).Str("peer", addr).Msg("replication dial failed, will retry")
		return
	}

	serverId, err := w.handshake(conn)
	if err != nil {
		w.log.Warn().Err(err).Str("peer", addr).Msg("replication handshake failed")
		conn.Close()
		return
	}
	if serverId == w.cfg.ServerId {
		w.log.Warn().Str("peer", addr).Msg("refusing to link to self")
		conn.Close()
		return
	}

	l := &link{serverId: serverId, peerAddr: addr, conn: conn, send: make(chan []byte, w.cfg.LinkQueueSize)}
	w.attach <- attachMsg{serverId: serverId, peerAddr: addr, outbound: true, link: l}
}

// Accept upgrades an inbound HTTP request to a replication link. Wired
// in cmd/latticed as the sole handler of the replica listener
// (ReplicaAddr), so it answers on any path there.
func (w *Watcher) Accept(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Warn().Err(err).Msg("replication upgrade failed")
		return
	}

	serverId, err := w.handshake(conn)
	if err != nil {
		w.log.Warn().Err(err).Msg("replication handshake failed")
		conn.Close()
		return
	}

	l := &link{serverId: serverId, conn: conn, send: make(chan []byte, w.cfg.LinkQueueSize)}
	w.attach <- attachMsg{serverId: serverId, outbound: false, link: l}
}

// handshake exchanges a single text frame carrying each side's ServerId.
// Both sides write concurrently with reading to avoid a deadlock when
// both ends' send buffers are small.
func (w *Watcher) handshake(conn *websocket.Conn) (ids.ServerId, error) {
	conn.SetReadDeadline(time.Now().Add(w.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- conn.WriteMessage(websocket.TextMessage, []byte(w.cfg.ServerId))
	}()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if err := <-writeErr; err != nil {
		return "", err
	}
	return ids.ServerId(data), nil
}

func (w *Watcher) readPump(l *link) {
	defer logging.RecoverPanic(w.log, "replication.readPump", map[string]any{"peer_server_id": string(l.serverId)})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case w.detach <- l.serverId:
			case <-w.done:
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			w.log.Warn().Err(err).Str("peer_server_id", string(l.serverId)).Msg("dropping malformed replication frame")
			continue
		}
		select {
		case w.incoming <- env:
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) writePump(l *link) {
	defer logging.RecoverPanic(w.log, "replication.writePump", map[string]any{"peer_server_id": string(l.serverId)})

	for data := range l.send {
		if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			select {
			case w.detach <- l.serverId:
			case <-w.done:
			}
			return
		}
	}
}
