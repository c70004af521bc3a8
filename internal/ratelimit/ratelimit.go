// Package ratelimit implements token-bucket rate limiting for
// connection attempts and inbound traffic, adapted from the teacher's
// limits.ConnectionRateLimiter (per-IP plus global buckets) and
// limits.RateLimiter (a single named bucket), both built on
// golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionLimiterConfig configures the two-level (per-peer-address
// plus global) connection-attempt limiter.
type ConnectionLimiterConfig struct {
	PeerBurst   int
	PeerRate    float64
	PeerTTL     time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func DefaultConnectionLimiterConfig() ConnectionLimiterConfig {
	return ConnectionLimiterConfig{
		PeerBurst:   10,
		PeerRate:    1.0,
		PeerTTL:     5 * time.Minute,
		GlobalBurst: 300,
		GlobalRate:  50.0,
	}
}

type peerEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionLimiter protects the upgrade path from connection floods:
// a global bucket guards system-wide capacity, a per-remote-address
// bucket guards against one client hammering reconnects.
type ConnectionLimiter struct {
	cfg    ConnectionLimiterConfig
	log    zerolog.Logger
	global *rate.Limiter

	mu      sync.RWMutex
	peers   map[string]*peerEntry
	cleanup chan struct{}
}

func NewConnectionLimiter(cfg ConnectionLimiterConfig, log zerolog.Logger) *ConnectionLimiter {
	l := &ConnectionLimiter{
		cfg:     cfg,
		log:     log.With().Str("component", "connection_rate_limiter").Logger(),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		peers:   make(map[string]*peerEntry),
		cleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from addr should proceed,
// checking the global bucket before the cheaper-to-skip per-addr one.
func (l *ConnectionLimiter) Allow(addr string) bool {
	if !l.global.Allow() {
		l.log.Debug().Str("addr", addr).Msg("connection rejected: global rate limit")
		return false
	}
	if !l.peerLimiter(addr).Allow() {
		l.log.Debug().Str("addr", addr).Msg("connection rejected: per-address rate limit")
		return false
	}
	return true
}

func (l *ConnectionLimiter) peerLimiter(addr string) *rate.Limiter {
	l.mu.RLock()
	entry, ok := l.peers[addr]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastAccess = time.Now()
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.peers[addr]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &peerEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.PeerRate), l.cfg.PeerBurst),
		lastAccess: time.Now(),
	}
	l.peers[addr] = entry
	return entry.limiter
}

func (l *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.cleanup:
			return
		}
	}
}

func (l *ConnectionLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for addr, entry := range l.peers {
		if now.Sub(entry.lastAccess) > l.cfg.PeerTTL {
			delete(l.peers, addr)
		}
	}
}

// Stop ends the background eviction loop.
func (l *ConnectionLimiter) Stop() {
	close(l.cleanup)
}

// Limiter is a single named token bucket for callers that already know
// which bucket they want rather than needing address-keyed lookup.
// Neither wsconnector nor the replication peer links construct one, so
// client inbound traffic and peer-link outbound traffic are not rate
// limited.
type Limiter struct {
	rl *rate.Limiter
}

func NewLimiter(ratePerSec float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (l *Limiter) Allow() bool { return l.rl.Allow() }
