// Package resourceguard implements admission control for new WebSocket
// connections, adapted from the teacher's limits.ResourceGuard: a static
// connection limit plus CPU/memory/goroutine emergency brakes, sampled
// periodically rather than per-request.
package resourceguard

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/latticeio/latticed/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

type Config struct {
	MaxConnections     int
	MaxGoroutines      int
	MemoryLimit        int64
	CPURejectThreshold float64
	CPUPauseThreshold  float64
	SampleInterval     time.Duration
}

// Guard enforces admission control. ShouldAcceptConnection is called by
// cmd/latticed's admission gate before every upgrade; Run, which the
// caller starts in its own goroutine, keeps the CPU/memory snapshot it
// checks against current without taxing the request path with a syscall
// per connection.
type Guard struct {
	cfg    Config
	log    zerolog.Logger
	active *int64 // pointer to the caller's live connection counter

	cpuPercent atomic.Value // float64
	memBytes   atomic.Value // int64
}

func New(cfg Config, log zerolog.Logger, activeConnections *int64) *Guard {
	g := &Guard{
		cfg:    cfg,
		log:    log.With().Str("component", "resourceguard").Logger(),
		active: activeConnections,
	}
	g.cpuPercent.Store(0.0)
	g.memBytes.Store(int64(0))
	return g
}

// ShouldAcceptConnection runs the admission checks in order: hard
// connection cap, CPU brake, memory brake, goroutine cap.
func (g *Guard) ShouldAcceptConnection() (bool, string) {
	current := atomic.LoadInt64(g.active)
	if current >= int64(g.cfg.MaxConnections) {
		metrics.CapacityRejectionsTotal.WithLabelValues("at_max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}

	cpuPct := g.cpuPercent.Load().(float64)
	if cpuPct > g.cfg.CPURejectThreshold {
		metrics.CapacityRejectionsTotal.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPct, g.cfg.CPURejectThreshold)
	}

	memBytes := g.memBytes.Load().(int64)
	if g.cfg.MemoryLimit > 0 && memBytes > g.cfg.MemoryLimit {
		metrics.CapacityRejectionsTotal.WithLabelValues("memory_limit").Inc()
		return false, "memory limit exceeded"
	}

	goroutines := runtime.NumGoroutine()
	if goroutines > g.cfg.MaxGoroutines {
		metrics.CapacityRejectionsTotal.WithLabelValues("goroutine_limit").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goroutines, g.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// ShouldPauseIngress reports whether Kafka/other bulk ingress should be
// paused because CPU is above the (higher) pause threshold — a softer
// brake than outright connection rejection.
func (g *Guard) ShouldPauseIngress() bool {
	return g.cpuPercent.Load().(float64) > g.cfg.CPUPauseThreshold
}

// Run samples CPU and memory on cfg.SampleInterval until ctx is done,
// publishing both to the Guard's atomic snapshot and to Prometheus.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Guard) sample() {
	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		g.cpuPercent.Store(percents[0])
		metrics.CPUUsagePercent.Set(percents[0])
	} else if err != nil {
		g.log.Debug().Err(err).Msg("cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.memBytes.Store(int64(mem.Alloc))
	metrics.MemoryUsageBytes.Set(float64(mem.Alloc))
	metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}
