// Package ids defines the interned, comparable identifier types used as
// map keys throughout the processor and replication fabric.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Cid is the process-local identifier of one live WebSocket. Allocation
// uses a process-wide relaxed atomic counter; overflow is not a concern
// at one allocation per connection.
type Cid uint64

var cidCounter uint64

// NewCid returns the next Cid for this process, starting at 1 so the
// zero value stays reserved for "no connection".
func NewCid() Cid {
	return Cid(atomic.AddUint64(&cidCounter, 1))
}

func (c Cid) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseCid parses the decimal representation used in HTTP control-plane
// paths (`{cid}` is a decimal unsigned 64-bit integer).
func ParseCid(s string) (Cid, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cid %q: %w", s, err)
	}
	return Cid(v), nil
}

// ServerId is the node identity, assigned at startup: either a random
// 128-bit value or a value taken from configuration.
type ServerId string

// NewRandomServerId generates a random 128-bit server id, hex-encoded.
func NewRandomServerId() ServerId {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to
		// a degenerate but still-unique-enough id rather than panicking
		// the whole process at startup.
		return ServerId(strconv.FormatUint(uint64(NewCid()), 16))
	}
	return ServerId(hex.EncodeToString(buf[:]))
}

func (s ServerId) String() string { return string(s) }

// PubCid qualifies a Cid with the ServerId of its owning node, making it
// unique across a cluster.
type PubCid struct {
	Cid      Cid
	ServerId ServerId
}

func (p PubCid) String() string {
	return fmt.Sprintf("%s@%s", p.Cid, p.ServerId)
}

// SessionId is the opaque string returned by the out-of-band authorizer;
// it identifies a user across reconnects.
type SessionId string

// LatticeKey is an opaque string key into a lattice namespace, typically
// "user:<session_id>".
type LatticeKey string

// UserLatticeKey builds the conventional LatticeKey for a session.
func UserLatticeKey(id SessionId) LatticeKey {
	return LatticeKey("user:" + string(id))
}

// SessionPoolName routes a connection to one Processor instance.
type SessionPoolName string

const maxDottedPathBytes = 127

// reservedNamespacePrefix marks namespaces reserved for internal use;
// requests naming them are rejected at the edge.
const reservedNamespacePrefix = "swindon."

// Topic is a dotted path identifying a transient-message subscription.
// Each dot-separated component must be non-empty and itself free of dots;
// the whole value is case-sensitive and bounded to 127 bytes.
type Topic string

// ParseTopic validates and constructs a Topic from a dotted path.
func ParseTopic(s string) (Topic, error) {
	if err := validateDottedPath(s); err != nil {
		return "", err
	}
	return Topic(s), nil
}

func (t Topic) String() string { return string(t) }

// Namespace identifies a lattice; it has the same shape as Topic, plus a
// reserved prefix that is rejected at the control-plane edge.
type Namespace string

// ParseNamespace validates and constructs a Namespace from a dotted path.
// It does not itself enforce the reserved-prefix rule (callers at the
// HTTP edge do, so they can produce the 403 the spec calls for instead of
// a generic parse error).
func ParseNamespace(s string) (Namespace, error) {
	if err := validateDottedPath(s); err != nil {
		return "", err
	}
	return Namespace(s), nil
}

// Reserved reports whether the namespace falls under the "swindon."
// prefix reserved for internal bookkeeping (e.g. the users lattice).
func (n Namespace) Reserved() bool {
	return strings.HasPrefix(string(n), reservedNamespacePrefix)
}

func (n Namespace) String() string { return string(n) }

func validateDottedPath(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("empty path")
	}
	if len(s) > maxDottedPathBytes {
		return fmt.Errorf("path exceeds %d bytes", maxDottedPathBytes)
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("empty component in %q", s)
		}
	}
	return nil
}

// JoinSegments re-interprets URL path segments (already split on "/") as
// a dotted Topic/Namespace path. A segment that itself contains a dot is
// rejected outright (the HTTP codec turns this into a 404).
func JoinSegments(segments []string) (string, error) {
	for _, seg := range segments {
		if strings.Contains(seg, ".") {
			return "", fmt.Errorf("segment %q contains a dot", seg)
		}
	}
	return strings.Join(segments, "."), nil
}

// UsersLatticeNamespace is the distinguished, reserved namespace tracking
// per-connection user-presence watches.
const UsersLatticeNamespace Namespace = "swindon.users"
