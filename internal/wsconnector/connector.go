// Package wsconnector implements the client-facing WebSocket connector
// (spec.md §4.5): it upgrades an HTTP request, allocates a Cid, hands a
// connchan.Channel to the owning Processor, runs authorization
// out-of-band, and pumps frames in both directions until the connection
// closes.
package wsconnector

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/latticeio/latticed/internal/authz"
	"github.com/latticeio/latticed/internal/connchan"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/logging"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/rs/zerolog"
)

// Dispatcher submits an Action to the Processor this connector is bound
// to. One Connector serves exactly one SessionPoolName.
type Dispatcher interface {
	Submit(action processor.Action) bool
}

type Config struct {
	Subprotocol        string
	AllowNoSubprotocol bool
	ChannelMaxFrames   int
	ChannelMaxBytes    int64
	AuthorizeTimeout   time.Duration
	ReadTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Subprotocol:        "v1.swindon-lattice+json",
		AllowNoSubprotocol: false,
		ChannelMaxFrames:   256,
		ChannelMaxBytes:    1 << 20,
		AuthorizeTimeout:   15 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

type Connector struct {
	cfg        Config
	dispatcher Dispatcher
	authz      authz.Authorizer
	log        zerolog.Logger
}

func New(cfg Config, dispatcher Dispatcher, authorizer authz.Authorizer, log zerolog.Logger) *Connector {
	return &Connector{
		cfg:        cfg,
		dispatcher: dispatcher,
		authz:      authorizer,
		log:        log.With().Str("component", "wsconnector").Logger(),
	}
}

// ServeHTTP negotiates the subprotocol, upgrades the connection, and
// spawns the reader/writer/authorize goroutines that own it from then on.
func (c *Connector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.subprotocolOffered(r) {
		http.Error(w, "subprotocol mismatch", http.StatusBadRequest)
		return
	}

	u := ws.HTTPUpgrader{
		Protocol: func(proto string) bool {
			return proto == c.cfg.Subprotocol
		},
	}
	conn, _, err := u.Upgrade(r, w)
	if err != nil {
		c.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	cid := ids.NewCid()
	channel := connchan.NewChannel(c.cfg.ChannelMaxFrames, c.cfg.ChannelMaxBytes)

	c.dispatcher.Submit(processor.NewConnectionAction(cid, channel))

	go c.authorize(cid, channel, r)
	go c.writer(conn, channel, cid)
	go c.reader(conn, cid)
}

// subprotocolOffered reports whether the client's Sec-WebSocket-Protocol
// header names this connector's subprotocol, or the header is absent and
// AllowNoSubprotocol permits that. A header that's present but doesn't
// name our subprotocol fails the upgrade outright with 400, per spec.md
// §4.5, rather than proceeding to a 101 the client didn't ask for.
func (c *Connector) subprotocolOffered(r *http.Request) bool {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return c.cfg.AllowNoSubprotocol
	}
	for _, proto := range strings.Split(raw, ",") {
		if strings.TrimSpace(proto) == c.cfg.Subprotocol {
			return true
		}
	}
	return false
}

// authorize runs the out-of-band Authorizer and turns its outcome into
// either an Associate action (success) or a direct Disconnect (failure)
// so the Processor tears the pending connection down without waiting for
// its own auth-timeout sweep.
func (c *Connector) authorize(cid ids.Cid, channel *connchan.Channel, r *http.Request) {
	defer logging.RecoverPanic(c.log, "wsconnector.authorize", map[string]any{"cid": uint64(cid)})

	ctx, cancel := context.WithTimeout(r.Context(), c.cfg.AuthorizeTimeout)
	defer cancel()

	sessionId, helloData, err := c.authz.Authorize(ctx, r)
	if err != nil {
		c.log.Debug().Err(err).Uint64("cid", uint64(cid)).Msg("authorization failed")
		if statusErr, ok := err.(*authz.HTTPStatusError); ok {
			channel.Send(connchan.FatalError(connchan.ErrHTTPError, statusErr.Status, statusErr.Body))
		} else {
			channel.Send(connchan.FatalError(connchan.ErrForbidden, 0, nil))
		}
		c.dispatcher.Submit(processor.DisconnectAction(cid, connchan.CloseAuthTimeout))
		return
	}

	c.dispatcher.Submit(processor.AssociateAction(cid, sessionId, helloData))
}

// writer renders Processor messages to wire frames. The first message a
// freshly-associated connection receives decides the fate of the whole
// connection: Hello means authorization succeeded and normal streaming
// begins; anything else must be a FatalError or StopSock pushed before
// Associate ever landed, which the writer turns into the matching close
// frame (spec.md §4.5, §7's close-code scheme).
func (c *Connector) writer(conn net.Conn, channel *connchan.Channel, cid ids.Cid) {
	defer logging.RecoverPanic(c.log, "wsconnector.writer", map[string]any{"cid": uint64(cid)})
	defer conn.Close()

	first := true
	for msg := range channel.Recv() {
		if first {
			first = false
			if !c.handleFirstMessage(conn, msg) {
				channel.Consumed(msg)
				return
			}
			if msg.Kind == connchan.KindHello {
				if !c.writeFrame(conn, msg) {
					channel.Consumed(msg)
					return
				}
				channel.Consumed(msg)
				continue
			}
		}

		switch msg.Kind {
		case connchan.KindStopSock:
			c.writeClose(conn, closeCodeFor(msg.StopReason), string(msg.StopReason))
			channel.Consumed(msg)
			return
		case connchan.KindFatalError:
			c.writeClose(conn, closeCodeForError(msg), "fatal_error")
			channel.Consumed(msg)
			return
		default:
			if !c.writeFrame(conn, msg) {
				channel.Consumed(msg)
				return
			}
			channel.Consumed(msg)
		}
	}
}

// handleFirstMessage enforces the handshake contract
// original_source/src/handlers/swindon_chat.rs establishes: Hello lets
// the loop continue normally; FatalError closes with closeCodeForError's
// 4000+status scheme ("good_status" filter — only an HTTP-derived status
// earns that scheme, anything else collapses to 4500); a bare
// StopSock(pool_closed) from a pool that vanished before Associate ever
// landed closes 1011/pool_closed; any other first message is a protocol
// violation and closes 4500.
func (c *Connector) handleFirstMessage(conn net.Conn, msg connchan.Message) bool {
	switch msg.Kind {
	case connchan.KindHello:
		return true
	case connchan.KindFatalError:
		c.writeClose(conn, closeCodeForError(msg), "backend_error")
		return false
	case connchan.KindStopSock:
		if msg.StopReason == connchan.ClosePoolClosed {
			c.writeClose(conn, 1011, string(connchan.ClosePoolClosed))
			return false
		}
		c.writeClose(conn, 4500, "protocol_violation")
		return false
	default:
		c.writeClose(conn, 4500, "protocol_violation")
		return false
	}
}

func (c *Connector) writeFrame(conn net.Conn, msg connchan.Message) bool {
	frame, err := msg.WireFrame()
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to encode outgoing frame")
		return true
	}
	if frame == nil {
		return true
	}
	if err := wsutil.WriteServerMessage(conn, ws.OpText, frame); err != nil {
		c.log.Debug().Err(err).Msg("write failed, closing connection")
		return false
	}
	return true
}

func (c *Connector) writeClose(conn net.Conn, code int, reason string) {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = wsutil.WriteServerMessage(conn, ws.OpClose, body)
}

// closeCodeFor maps an internal CloseReason to a WebSocket close code.
// Only CloseReason(pool_closed) is pinned by spec.md §7 (1011). Of the
// rest, auth_timeout uses the 4000+http_status scheme (4408), overloaded
// and client_quit use the standard codes 1008 and 1000, server_error
// shares 1011 with pool_closed, and any other reason gets 4500.
func closeCodeFor(reason connchan.CloseReason) int {
	switch reason {
	case connchan.ClosePoolClosed:
		return 1011
	case connchan.CloseServerError:
		return 1011
	case connchan.CloseOverloaded:
		return 1008
	case connchan.CloseAuthTimeout:
		return 4000 + 408
	case connchan.CloseClientQuit:
		return 1000
	default:
		return 4500
	}
}

func closeCodeForError(msg connchan.Message) int {
	if msg.ErrorKind == connchan.ErrHTTPError && msg.ErrorStatus > 0 {
		return 4000 + msg.ErrorStatus
	}
	return 4500
}

// reader drains client frames. Control-plane actions all arrive over
// HTTP (spec.md §4.4), so the only thing this loop watches for is the
// client going away.
func (c *Connector) reader(conn net.Conn, cid ids.Cid) {
	defer logging.RecoverPanic(c.log, "wsconnector.reader", map[string]any{"cid": uint64(cid)})

	for {
		_, op, err := wsutil.ReadClientData(conn)
		if err != nil || op == ws.OpClose {
			c.dispatcher.Submit(processor.DisconnectAction(cid, connchan.CloseClientQuit))
			return
		}
	}
}
