package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordRequest does nothing.
func (NoopMetrics) RecordRequest(_ context.Context, _, _ string, _ time.Duration, _ error) {}

// RecordTransition does nothing.
func (NoopMetrics) RecordTransition(_ context.Context, _, _, _ string) {}

// RecordStoreOp does nothing.
func (NoopMetrics) RecordStoreOp(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordDelivery does nothing.
func (NoopMetrics) RecordDelivery(_ context.Context, _ string, _ error) {}

// RecordDrop does nothing.
func (NoopMetrics) RecordDrop(_ context.Context, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartRequestSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRequestSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartDeliverySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
