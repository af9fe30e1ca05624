package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("durable")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRequestSpan starts a span for one request processed by an object.
	StartRequestSpan(ctx context.Context, objectID, typeName, action string) (context.Context, trace.Span)

	// StartDeliverySpan starts a span for delivering an event to one subscriber.
	StartDeliverySpan(ctx context.Context, eventType, subscriberID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartRequestSpan starts a span named durable.request.<action>.
func (m *otelSpanManager) StartRequestSpan(ctx context.Context, objectID, typeName, action string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "durable.request."+action,
		trace.WithAttributes(
			attribute.String("object.id", objectID),
			attribute.String("object.type", typeName),
			attribute.String("request.action", action),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartDeliverySpan starts a span named durable.event.<type>.
func (m *otelSpanManager) StartDeliverySpan(ctx context.Context, eventType, subscriberID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "durable.event."+eventType,
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("subscriber.id", subscriberID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span. A failed span carries the durable
// error code under "error.code".
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.code", string(derrors.CodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
