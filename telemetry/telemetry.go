// Package telemetry integrates the engine with Clue logging and OpenTelemetry
// instrumentation. The interfaces are intentionally small so tests can provide
// lightweight stubs without pulling in exporter configuration.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for engine
// instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the engine. Tags identify the workflow type, queue,
// or activity type as appropriate.
const (
	MetricWorkflowsStarted   = "corpus_workflows_started"
	MetricWorkflowsCompleted = "corpus_workflows_completed"
	MetricWorkflowsFailed    = "corpus_workflows_failed"
	MetricDecisionLatency    = "corpus_decision_latency"
	MetricTasksScheduled     = "corpus_tasks_scheduled"
	MetricTasksCompleted     = "corpus_tasks_completed"
	MetricTasksRetried       = "corpus_tasks_retried"
	MetricTasksFailed        = "corpus_tasks_failed"
	MetricQueueDepth         = "corpus_queue_depth"
	MetricWorkerInflight     = "corpus_worker_inflight"
	MetricSignalsDelivered   = "corpus_signals_delivered"
	MetricInboxPublished     = "corpus_inbox_published"
	MetricAPIRequests        = "corpus_api_requests"
	MetricAPILatency         = "corpus_api_request_latency"
	MetricWSConnections      = "corpus_ws_connections"
)
