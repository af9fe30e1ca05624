package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

// MetricsRecorder records durable object and event bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordRequest records a processed request with its duration and error status.
	RecordRequest(ctx context.Context, typeName, action string, duration time.Duration, err error)

	// RecordTransition records a lifecycle status change.
	RecordTransition(ctx context.Context, typeName, from, to string)

	// RecordStoreOp records a store operation.
	RecordStoreOp(ctx context.Context, op string, duration time.Duration, err error)

	// RecordDelivery records the outcome of delivering one event to one subscriber.
	RecordDelivery(ctx context.Context, eventType string, err error)

	// RecordDrop records an event dropped at a full mailbox.
	RecordDrop(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
	requestErrors  metric.Int64Counter
	transitions    metric.Int64Counter
	storeOps       metric.Int64Counter
	storeLatency   metric.Float64Histogram
	deliveries     metric.Int64Counter
	drops          metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("durable")

	requests, err := meter.Int64Counter("durable.requests",
		metric.WithDescription("Number of processed requests"),
	)
	if err != nil {
		return nil, err
	}

	requestLatency, err := meter.Float64Histogram("durable.request.latency_ms",
		metric.WithDescription("Request processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	requestErrors, err := meter.Int64Counter("durable.request.errors",
		metric.WithDescription("Number of failed requests by error code"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("durable.object.transitions",
		metric.WithDescription("Number of lifecycle status changes"),
	)
	if err != nil {
		return nil, err
	}

	storeOps, err := meter.Int64Counter("durable.store.operations",
		metric.WithDescription("Number of store operations"),
	)
	if err != nil {
		return nil, err
	}

	storeLatency, err := meter.Float64Histogram("durable.store.latency_ms",
		metric.WithDescription("Store operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("durable.event.deliveries",
		metric.WithDescription("Number of event deliveries to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	drops, err := meter.Int64Counter("durable.event.drops",
		metric.WithDescription("Number of events dropped at full mailboxes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		requests:       requests,
		requestLatency: requestLatency,
		requestErrors:  requestErrors,
		transitions:    transitions,
		storeOps:       storeOps,
		storeLatency:   storeLatency,
		deliveries:     deliveries,
		drops:          drops,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordRequest records a processed request.
func (m *otelMetrics) RecordRequest(ctx context.Context, typeName, action string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("type", typeName),
		attribute.String("action", action),
	}

	m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestLatency.Record(ctx, durationMs(duration), metric.WithAttributes(attrs...))

	if err != nil {
		attrs = append(attrs, attribute.String("code", string(derrors.CodeOf(err))))
		m.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordTransition records a lifecycle status change.
func (m *otelMetrics) RecordTransition(ctx context.Context, typeName, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typeName),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordStoreOp records a store operation.
func (m *otelMetrics) RecordStoreOp(ctx context.Context, op string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
	}
	m.storeOps.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.storeLatency.Record(ctx, durationMs(duration), metric.WithAttributes(attrs...))
}

// RecordDelivery records one event delivery.
func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType string, err error) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	))
}

// RecordDrop records a dropped event.
func (m *otelMetrics) RecordDrop(ctx context.Context, eventType string) {
	m.drops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
