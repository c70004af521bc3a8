package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) > 9 && key[:9] == "LATTICED_" {
					os.Unsetenv(key)
				}
				break
			}
		}
	}
}

func TestLoad_AppliesDefaultsAndGeneratesServerId(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, ":3002", cfg.HTTPAddr)
	require.Equal(t, []string{"default"}, cfg.Pools)
	require.NotEmpty(t, cfg.ServerId)
}

func TestValidate_RejectsInvertedCPUThresholds(t *testing.T) {
	cfg := &Config{
		HTTPAddr:           ":3002",
		Pools:              []string{"default"},
		MaxConnections:     1,
		CPURejectThreshold: 90,
		CPUPauseThreshold:  10,
		LogLevel:           "info",
		LogFormat:          "json",
		AuthzBackend:       "http",
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{
		HTTPAddr:           ":3002",
		Pools:              []string{"default"},
		MaxConnections:     1,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		LogLevel:           "verbose",
		LogFormat:          "json",
		AuthzBackend:       "http",
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsEmptyPeerEntry(t *testing.T) {
	cfg := &Config{
		HTTPAddr:           ":3002",
		Pools:              []string{"default"},
		Peers:              []string{"peer-a:3003", ""},
		MaxConnections:     1,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		LogLevel:           "info",
		LogFormat:          "json",
		AuthzBackend:       "http",
	}
	err := cfg.Validate()
	require.Error(t, err)
}
