// Package telemetry defines the logging and metrics seams used across the
// editing kernel. The kernel never logs through a concrete library directly;
// callers inject a Logger (Clue-backed in production, Noop in tests) so that
// pure components stay free of global state.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records with alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for kernel instrumentation. Tags
	// alternate key/value.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)
