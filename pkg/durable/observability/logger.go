// Package observability provides structured logging, metrics, and tracing
// for durable objects and the event bus.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds object context to a logger.
// Returns a new logger with object_id and type fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "obj-123", "counter")
//	enriched.Info("doing work") // includes object_id, type
func EnrichLogger(logger *slog.Logger, objectID, typeName string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("object_id", objectID),
		slog.String("type", typeName),
	)
}

// LogObjectCreated logs creation of a new object.
func LogObjectCreated(logger *slog.Logger, objectID, typeName string) {
	if logger == nil {
		return
	}
	logger.Info("object created",
		slog.String("object_id", objectID),
		slog.String("type", typeName),
	)
}

// LogObjectHydrated logs an object loaded from the store into memory.
func LogObjectHydrated(logger *slog.Logger, objectID, typeName, status string) {
	if logger == nil {
		return
	}
	logger.Debug("object hydrated",
		slog.String("object_id", objectID),
		slog.String("type", typeName),
		slog.String("stored_status", status),
	)
}

// LogObjectDeleted logs deletion of an object.
func LogObjectDeleted(logger *slog.Logger, objectID string) {
	if logger == nil {
		return
	}
	logger.Info("object deleted",
		slog.String("object_id", objectID),
	)
}

// LogTransition logs a lifecycle status change.
func LogTransition(logger *slog.Logger, objectID, from, to string) {
	if logger == nil {
		return
	}
	logger.Debug("object status changed",
		slog.String("object_id", objectID),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogRequestComplete logs a processed request.
func LogRequestComplete(logger *slog.Logger, objectID, action string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("request completed",
		slog.String("object_id", objectID),
		slog.String("action", action),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRequestError logs a failed request.
func LogRequestError(logger *slog.Logger, objectID, action string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("request failed",
		slog.String("object_id", objectID),
		slog.String("action", action),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStoreError logs a persistence failure.
// The in-memory state may have diverged from the store when this is logged.
func LogStoreError(logger *slog.Logger, objectID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("store operation failed",
		slog.String("object_id", objectID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogDeliveryError logs an event handler failure for one subscriber.
func LogDeliveryError(logger *slog.Logger, eventType, subscriberID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event delivery failed",
		slog.String("event_type", eventType),
		slog.String("subscriber_id", subscriberID),
		slog.String("error", err.Error()),
	)
}

// LogEventDropped logs an event dropped because a subscriber mailbox was full.
func LogEventDropped(logger *slog.Logger, eventType, subscriberID string) {
	if logger == nil {
		return
	}
	logger.Warn("event dropped",
		slog.String("event_type", eventType),
		slog.String("subscriber_id", subscriberID),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the time elapsed so far.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
