// Package telemetry defines the logging, metrics and tracing seams used by the
// jobstream runtime. Production wiring delegates to Clue and OpenTelemetry;
// tests use the no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the runtime.
const (
	// MetricLedgerAppended counts events appended to the ledger.
	MetricLedgerAppended = "jobstream.ledger.appended"
	// MetricLedgerAppendDuration times backend appends.
	MetricLedgerAppendDuration = "jobstream.ledger.append.duration"
	// MetricBusPublished counts events delivered to live subscribers.
	MetricBusPublished = "jobstream.bus.published"
	// MetricBusEvicted counts subscribers disconnected because their buffer was full.
	MetricBusEvicted = "jobstream.bus.evicted"
	// MetricSessions records the number of open streaming sessions.
	MetricSessions = "jobstream.stream.sessions"
	// MetricControl counts control signals by action.
	MetricControl = "jobstream.control.signals"
)

type (
	// Logger captures structured logging. Key-value pairs alternate between a
	// string key and an arbitrary value.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, timer and gauge helpers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code stays agnostic of the
	// configured OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
