// Package config loads latticed's configuration from environment
// variables (with an optional .env file for local development), the
// same way the teacher's root-level config.go does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/latticeio/latticed/internal/ids"
	"github.com/rs/zerolog"
)

// Config holds every tunable of a latticed node. Tags:
//
//	env: environment variable name
//	envDefault: default value if unset
//	envSeparator: list-valued field separator
type Config struct {
	// Identity and listeners
	ServerId     string `env:"SERVER_ID"`
	HTTPAddr     string `env:"LATTICED_HTTP_ADDR" envDefault:":3002"`
	ReplicaAddr  string `env:"LATTICED_REPLICA_ADDR" envDefault:":3003"`
	MetricsAddr  string `env:"LATTICED_METRICS_ADDR" envDefault:":3004"`

	// Replication fabric
	Peers             []string      `env:"LATTICED_PEERS" envSeparator:","`
	ReconnectInterval time.Duration `env:"LATTICED_RECONNECT_INTERVAL" envDefault:"1s"`
	LinkConnectTimeout time.Duration `env:"LATTICED_LINK_CONNECT_TIMEOUT" envDefault:"5s"`
	LinkHandshakeTimeout time.Duration `env:"LATTICED_LINK_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	LinkQueueSize     int           `env:"LATTICED_LINK_QUEUE_SIZE" envDefault:"256"`

	// Session pools
	Pools []string `env:"LATTICED_POOLS" envSeparator:"," envDefault:"default"`

	// Connection and control-plane limits
	MaxPayloadSize     int64         `env:"LATTICED_MAX_PAYLOAD_SIZE" envDefault:"1048576"`
	ChannelMaxFrames   int           `env:"LATTICED_CHANNEL_MAX_FRAMES" envDefault:"256"`
	ChannelMaxBytes    int64         `env:"LATTICED_CHANNEL_MAX_BYTES" envDefault:"1048576"`
	AuthTimeout        time.Duration `env:"LATTICED_AUTH_TIMEOUT" envDefault:"15s"`
	LatticeIdleTTL     time.Duration `env:"LATTICED_LATTICE_IDLE_TTL" envDefault:"10m"`
	Subprotocol        string        `env:"LATTICED_SUBPROTOCOL" envDefault:"v1.swindon-lattice+json"`
	AllowNoSubprotocol bool          `env:"LATTICED_ALLOW_NO_SUBPROTOCOL" envDefault:"false"`

	// Resource limits (from container)
	CPULimit    float64 `env:"LATTICED_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"LATTICED_MEMORY_LIMIT" envDefault:"536870912"`

	// Capacity
	MaxConnections int `env:"LATTICED_MAX_CONNECTIONS" envDefault:"10000"`

	// Rate limiting
	MaxConnectionRate int `env:"LATTICED_MAX_CONNECTION_RATE" envDefault:"200"`
	MaxInboundRate    int `env:"LATTICED_MAX_INBOUND_RATE" envDefault:"1000"`
	MaxGoroutines     int `env:"LATTICED_MAX_GOROUTINES" envDefault:"20000"`

	// CPU safety thresholds (host-wide CPU percent, see resourceguard)
	CPURejectThreshold float64 `env:"LATTICED_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"LATTICED_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"LATTICED_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Authorization backend: "http" or "nats"
	AuthzBackend string        `env:"LATTICED_AUTHZ_BACKEND" envDefault:"http"`
	AuthzURL     string        `env:"LATTICED_AUTHZ_URL" envDefault:"http://localhost:8080/authorize"`
	AuthzTimeout time.Duration `env:"LATTICED_AUTHZ_TIMEOUT" envDefault:"5s"`
	NatsURL      string        `env:"LATTICED_NATS_URL" envDefault:"nats://localhost:4222"`
	NatsSubject  string        `env:"LATTICED_NATS_AUTHZ_SUBJECT" envDefault:"latticed.authorize"`

	// Kafka ingress bridge (optional)
	KafkaEnabled bool   `env:"LATTICED_KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers string `env:"LATTICED_KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaGroup   string `env:"LATTICED_KAFKA_GROUP" envDefault:"latticed"`
	KafkaTopic   string `env:"LATTICED_KAFKA_TOPIC" envDefault:"latticed.publish"`
}

// Load reads configuration from an optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ServerId == "" {
		cfg.ServerId = string(ids.NewRandomServerId())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("LATTICED_HTTP_ADDR is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("LATTICED_POOLS must name at least one pool")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("LATTICED_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("LATTICED_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("LATTICED_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("LATTICED_CPU_PAUSE_THRESHOLD (%.1f) must be >= LATTICED_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	validAuthzBackends := map[string]bool{"http": true, "nats": true}
	if !validAuthzBackends[c.AuthzBackend] {
		return fmt.Errorf("LATTICED_AUTHZ_BACKEND must be one of: http, nats (got: %s)", c.AuthzBackend)
	}
	for _, peer := range c.Peers {
		if strings.TrimSpace(peer) == "" {
			return fmt.Errorf("LATTICED_PEERS contains an empty entry")
		}
	}
	return nil
}

// LogConfig logs the loaded configuration as structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("server_id", c.ServerId).
		Str("environment", c.Environment).
		Str("http_addr", c.HTTPAddr).
		Str("replica_addr", c.ReplicaAddr).
		Strs("peers", c.Peers).
		Strs("pools", c.Pools).
		Int64("max_payload_size", c.MaxPayloadSize).
		Int("max_connections", c.MaxConnections).
		Int("max_connection_rate", c.MaxConnectionRate).
		Int("max_inbound_rate", c.MaxInboundRate).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("authz_backend", c.AuthzBackend).
		Bool("kafka_enabled", c.KafkaEnabled).
		Msg("latticed configuration loaded")
}
