package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsToInfoOnBadLevel(t *testing.T) {
	New(Config{Level: "not-a-level", Format: "json"})
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestNew_AppliesRequestedLevel(t *testing.T) {
	New(Config{Level: "debug", Format: "json"})
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestRecoverPanic_SwallowsPanicAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", map[string]any{"cid": 42})
		panic("boom")
	}()

	require.Contains(t, buf.String(), "goroutine panic recovered")
	require.Contains(t, buf.String(), "test-goroutine")
	require.Contains(t, buf.String(), "boom")
}

func TestRecoverPanic_NoopWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", nil)
	}()

	require.Empty(t, buf.String())
}
