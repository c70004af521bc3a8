// Package logging configures latticed's structured logger, adapted from
// the teacher's monitoring.NewLogger: JSON by default, a ConsoleWriter
// for "pretty", RFC3339 timestamps, caller info, and a RecoverPanic
// helper every long-running goroutine defers.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and rendering for New.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty, text
}

// New builds a zerolog.Logger per Config and sets the process-wide
// minimum level (zerolog checks this globally regardless of which
// logger instance is used).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "latticed").
		Logger()
}

// RecoverPanic belongs in a defer at the top of every actor goroutine
// (Processor.Run, Watcher.Run, connection pumps, the reconnect sweep):
// it logs a recovered panic with a stack trace but lets the process keep
// running rather than crashing the whole node over one bad actor.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered, continuing")
	}
}
