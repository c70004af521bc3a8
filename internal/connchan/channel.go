// Package connchan implements the Processor-to-WebSocket-writer channel:
// single-producer, single-consumer, and lossy by policy past a
// configurable high-water mark rather than ever blocking the Processor
// (spec.md §4.1).
package connchan

import (
	"encoding/json"
	"sync/atomic"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/lattice"
)

// CloseReason names why a connection was torn down, mirrored into the
// WebSocket close frame payload and into metrics/audit logs.
type CloseReason string

const (
	CloseOverloaded  CloseReason = "overloaded"
	CloseAuthTimeout CloseReason = "auth_timeout"
	ClosePoolClosed  CloseReason = "pool_closed"
	CloseClientQuit  CloseReason = "client_quit"
	CloseServerError CloseReason = "server_error"
)

// ErrorKind enumerates the coarse error categories from spec.md §7,
// carried on FatalError messages.
type ErrorKind string

const (
	ErrHTTPError ErrorKind = "http_error"
	ErrForbidden ErrorKind = "forbidden"
	ErrPoolClosed ErrorKind = "pool_closed"
)

// Message is the tagged union of values the Processor may push down a
// connection's channel. Exactly one of the typed fields is meaningful,
// selected by Kind; WsPayload() renders the client-facing JSON array
// frame for each kind.
type Message struct {
	Kind MessageKind

	// Hello carries the session id and arbitrary authorizer metadata,
	// sent once right after Associate.
	HelloSessionId ids.SessionId
	HelloData      json.RawMessage

	// Publish carries one topic message.
	PublishTopic   ids.Topic
	PublishPayload json.RawMessage

	// LatticeUpdate carries a namespace diff (or, on Attach, a full
	// snapshot — the two are wire-identical, just different contents).
	LatticeNamespace ids.Namespace
	LatticeDiff      lattice.Delta

	// FatalError carries an error kind, an HTTP status when Kind is
	// ErrHTTPError, and arbitrary error data.
	ErrorKind   ErrorKind
	ErrorStatus int
	ErrorData   json.RawMessage

	// StopSock carries the reason the connection is being torn down.
	StopReason CloseReason
}

// MessageKind tags the variant of Message.
type MessageKind int

const (
	KindHello MessageKind = iota
	KindPublish
	KindLattice
	KindFatalError
	KindStopSock
)

func Hello(sessionId ids.SessionId, data json.RawMessage) Message {
	return Message{Kind: KindHello, HelloSessionId: sessionId, HelloData: data}
}

func Publish(topic ids.Topic, payload json.RawMessage) Message {
	return Message{Kind: KindPublish, PublishTopic: topic, PublishPayload: payload}
}

func LatticeUpdate(ns ids.Namespace, diff lattice.Delta) Message {
	return Message{Kind: KindLattice, LatticeNamespace: ns, LatticeDiff: diff}
}

func FatalError(kind ErrorKind, status int, data json.RawMessage) Message {
	return Message{Kind: KindFatalError, ErrorKind: kind, ErrorStatus: status, ErrorData: data}
}

func StopSock(reason CloseReason) Message {
	return Message{Kind: KindStopSock, StopReason: reason}
}

// WireFrame renders the client-facing JSON array for a Message, per the
// wire protocol in spec.md §6.
func (m Message) WireFrame() ([]byte, error) {
	switch m.Kind {
	case KindHello:
		return json.Marshal([]any{"hello", m.HelloSessionId, rawOrNull(m.HelloData)})
	case KindPublish:
		return json.Marshal([]any{"message", m.PublishTopic, rawOrNull(m.PublishPayload)})
	case KindLattice:
		return json.Marshal([]any{"lattice", m.LatticeNamespace, m.LatticeDiff})
	case KindFatalError:
		errObj := map[string]any{"error_kind": m.ErrorKind}
		if m.ErrorStatus != 0 {
			errObj["status"] = m.ErrorStatus
		}
		return json.Marshal([]any{"fatal_error", errObj, rawOrNull(m.ErrorData)})
	default:
		return nil, nil
	}
}

func rawOrNull(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage("null")
	}
	return r
}

// ByteSize estimates a message's weight for the high-water mark check in
// units of bytes, cheap enough to compute on every send.
func (m Message) ByteSize() int {
	return len(m.HelloData) + len(m.PublishPayload) + len(m.ErrorData)
}

// Channel is the bounded, lossy, one-way queue from a Processor to the
// WebSocket writer owning one connection. It tracks both a frame count
// and a byte-weight high-water mark; whichever trips first causes the
// next Send to report overload instead of blocking.
type Channel struct {
	out            chan Message
	maxFrames      int
	maxBytes       int64
	queuedBytes    int64 // atomic
	closed         int32 // atomic
}

// NewChannel creates a Channel with the given frame-count high-water
// mark, buffered to hold up to maxFrames messages before Send starts
// reporting overload, and a byte-weight high-water mark checked
// independently.
func NewChannel(maxFrames int, maxBytes int64) *Channel {
	return &Channel{
		out:       make(chan Message, maxFrames),
		maxFrames: maxFrames,
		maxBytes:  maxBytes,
	}
}

// Send attempts to enqueue msg for the writer. It never blocks: if the
// channel is already past its frame or byte high-water mark, or already
// closed, it returns false and the caller (the Processor) is expected to
// drop the connection with CloseOverloaded.
func (c *Channel) Send(msg Message) bool {
	if atomic.LoadInt32(&c.closed) == 1 {
		return false
	}
	weight := int64(msg.ByteSize())
	if atomic.LoadInt64(&c.queuedBytes)+weight > c.maxBytes {
		return false
	}
	select {
	case c.out <- msg:
		atomic.AddInt64(&c.queuedBytes, weight)
		return true
	default:
		return false
	}
}

// Recv is the writer-side receive channel. The writer ranges over it and
// calls Consumed after each frame to keep the byte accounting accurate.
func (c *Channel) Recv() <-chan Message {
	return c.out
}

// Consumed records that the writer has finished with one dequeued
// message, releasing its byte-weight budget.
func (c *Channel) Consumed(msg Message) {
	atomic.AddInt64(&c.queuedBytes, -int64(msg.ByteSize()))
}

// Close marks the channel closed and closes the underlying Go channel,
// signalling the writer to stop. Only the first call has any effect;
// later calls are no-ops.
func (c *Channel) Close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		close(c.out)
	}
}

// Overloaded reports whether the channel is currently past either
// high-water mark, without attempting a send. Used by periodic sweeps
// that proactively drop connections that are falling behind.
func (c *Channel) Overloaded() bool {
	return len(c.out) >= c.maxFrames || atomic.LoadInt64(&c.queuedBytes) >= c.maxBytes
}
