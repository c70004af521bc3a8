package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/latticeio/latticed/internal/authz"
	"github.com/latticeio/latticed/internal/config"
	"github.com/latticeio/latticed/internal/httpapi"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/kafkabridge"
	"github.com/latticeio/latticed/internal/logging"
	"github.com/latticeio/latticed/internal/metrics"
	"github.com/latticeio/latticed/internal/poolregistry"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/latticeio/latticed/internal/ratelimit"
	"github.com/latticeio/latticed/internal/replication"
	"github.com/latticeio/latticed/internal/resourceguard"
	"github.com/latticeio/latticed/internal/wsconnector"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		panic(err) // no logger yet to report through
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(log)
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting latticed")

	self := ids.ServerId(cfg.ServerId)

	// --- session pools ---
	registry := poolregistry.New(self, log)
	processorCfg := processor.Config{
		AuthTimeout:    cfg.AuthTimeout,
		LatticeIdleTTL: cfg.LatticeIdleTTL,
		SweepInterval:  5 * time.Second,
	}
	for _, poolName := range cfg.Pools {
		p := processor.New(ids.SessionPoolName(poolName), processorCfg, log)
		registry.Register(p)
		go runProcessor(p, log)
	}

	// --- replication fabric ---
	replCfg := replication.DefaultConfig(self, cfg.Peers)
	replCfg.ReconnectInterval = cfg.ReconnectInterval
	replCfg.ConnectTimeout = cfg.LinkConnectTimeout
	replCfg.HandshakeTimeout = cfg.LinkHandshakeTimeout
	replCfg.LinkQueueSize = cfg.LinkQueueSize
	watcher := replication.New(replCfg, registry, log)
	go func() {
		defer logging.RecoverPanic(log, "replication.Watcher", nil)
		watcher.Run()
	}()

	// --- authorization backend ---
	authorizer, err := buildAuthorizer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build authorizer")
	}

	// --- admission control ---
	guard := resourceguard.New(resourceguard.Config{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxGoroutines,
		MemoryLimit:        cfg.MemoryLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		SampleInterval:     cfg.MetricsInterval,
	}, log, registry.ActiveConnections())
	guardCtx, cancelGuard := context.WithCancel(context.Background())
	go func() {
		defer logging.RecoverPanic(log, "resourceguard.Guard", nil)
		guard.Run(guardCtx)
	}()
	metrics.ConnectionsMax.Set(float64(cfg.MaxConnections))

	connLimiter := ratelimit.NewConnectionLimiter(ratelimit.ConnectionLimiterConfig{
		PeerBurst:   cfg.MaxConnectionRate,
		PeerRate:    float64(cfg.MaxConnectionRate) / 60,
		PeerTTL:     5 * time.Minute,
		GlobalBurst: cfg.MaxConnectionRate * 10,
		GlobalRate:  float64(cfg.MaxConnectionRate),
	}, log)
	defer connLimiter.Stop()

	// --- optional Kafka ingress bridge ---
	var bridge *kafkabridge.Bridge
	if cfg.KafkaEnabled {
		bridge, err = kafkabridge.New(kafkabridge.Config{
			Brokers:       splitCSV(cfg.KafkaBrokers),
			ConsumerGroup: cfg.KafkaGroup,
			Topics:        []string{cfg.KafkaTopic},
		}, registry, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to start kafka bridge, continuing without it")
		} else {
			bridge.Start()
			defer bridge.Stop()
		}
	}

	// --- HTTP control plane + client-facing WebSocket endpoint ---
	outgoing := watcher.Outgoing()
	codec := httpapi.New(httpapi.DefaultConfig(), self, registry, registry, outgoing, log)

	rootMux := http.NewServeMux()
	for _, poolName := range cfg.Pools {
		pool := ids.SessionPoolName(poolName)
		prefix := "/pools/" + poolName
		rootMux.Handle(prefix+"/", http.StripPrefix(prefix, codec.Mux(pool)))

		wsCfg := wsconnector.DefaultConfig()
		wsCfg.Subprotocol = cfg.Subprotocol
		wsCfg.AllowNoSubprotocol = cfg.AllowNoSubprotocol
		wsCfg.ChannelMaxFrames = cfg.ChannelMaxFrames
		wsCfg.ChannelMaxBytes = cfg.ChannelMaxBytes
		wsCfg.AuthorizeTimeout = cfg.AuthzTimeout

		connector := wsconnector.New(wsCfg, singlePoolDispatcher{registry: registry, pool: pool}, authorizer, log)
		rootMux.Handle("/ws/"+poolName, admissionGate(guard, connLimiter, registry, connector))
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: rootMux}
	go func() {
		defer logging.RecoverPanic(log, "httpServer", nil)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	replicaServer := &http.Server{Addr: cfg.ReplicaAddr, Handler: http.HandlerFunc(watcher.Accept)}
	go func() {
		defer logging.RecoverPanic(log, "replicaServer", nil)
		if err := replicaServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("replica server failed")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		defer logging.RecoverPanic(log, "metricsServer", nil)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = replicaServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	cancelGuard()
	watcher.Stop()
	for _, p := range registry.Pools() {
		p.Stop()
	}
}

func runProcessor(p *processor.Processor, log zerolog.Logger) {
	defer logging.RecoverPanic(log, "processor", map[string]any{"pool": string(p.Pool)})
	p.Run()
}

// singlePoolDispatcher adapts the shared poolregistry.Registry to
// wsconnector.Dispatcher, binding one Connector to exactly one pool so
// the wsconnector package itself never needs to know about pool routing.
type singlePoolDispatcher struct {
	registry *poolregistry.Registry
	pool     ids.SessionPoolName
}

func (d singlePoolDispatcher) Submit(action processor.Action) bool {
	return d.registry.Submit(d.pool, action)
}

// buildAuthorizer picks the out-of-band authorizer named by
// LATTICED_AUTHZ_BACKEND. Validate already restricts this to "http" or
// "nats".
func buildAuthorizer(cfg *config.Config) (authz.Authorizer, error) {
	switch cfg.AuthzBackend {
	case "nats":
		conn, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return nil, err
		}
		return authz.NewNatsAuthorizer(conn, cfg.NatsSubject), nil
	default:
		return authz.NewHTTPAuthorizer(cfg.AuthzURL, cfg.AuthzTimeout), nil
	}
}

// admissionGate runs connection-rate and resource admission checks
// before handing the request to the WebSocket connector, mirroring the
// teacher's server.go check-then-accept ordering in front of its own
// upgrade path. Connection counting itself lives in poolregistry.Registry,
// driven off NewConnection/Disconnect actions rather than this request's
// lifetime, since Connector.ServeHTTP returns as soon as the upgrade
// completes and the connection's pumps run on in their own goroutines.
func admissionGate(guard *resourceguard.Guard, limiter *ratelimit.ConnectionLimiter, registry *poolregistry.Registry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(r.RemoteAddr) {
			metrics.CapacityRejectionsTotal.WithLabelValues("rate_limited").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		if ok, reason := guard.ShouldAcceptConnection(); !ok {
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}

		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Set(float64(atomic.LoadInt64(registry.ActiveConnections())))
		next.ServeHTTP(w, r)
	})
}

func splitCSV(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
