// Package telemetry defines the logging and metrics seams used across the
// call orchestration runtime. Components depend on these small interfaces so
// tests run silent and production wires Clue logging plus OTEL metrics.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for operational visibility.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// NoopLogger discards all log messages.
	NoopLogger struct{}

	// NoopMetrics discards all measurements.
	NoopMetrics struct{}
)

// Metric names recorded by the runtime.
const (
	// MetricSwitchCommitted counts committed operator switches.
	MetricSwitchCommitted = "switchboard.switch.committed"
	// MetricSwitchRejected counts rejected switch requests.
	MetricSwitchRejected = "switchboard.switch.rejected"
	// MetricSwitchLatency times the locked validate+commit section.
	MetricSwitchLatency = "switchboard.switch.latency"
	// MetricEventPublished counts events fanned out to subscribers.
	MetricEventPublished = "switchboard.events.published"
	// MetricEventDropped counts per-subscriber delivery failures.
	MetricEventDropped = "switchboard.events.dropped"
	// MetricStoreFallback counts permanent primary-to-fallback transitions.
	MetricStoreFallback = "switchboard.store.fallback"
	// MetricSessionStarted counts created call sessions.
	MetricSessionStarted = "switchboard.session.started"
	// MetricSessionEnded counts ended call sessions.
	MetricSessionEnded = "switchboard.session.ended"
)

// Debug implements Logger.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter implements Metrics.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
