package durable

import (
	"context"
	"log/slog"
	"time"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

// LoggingMiddleware reports every handler run to logFn.
func LoggingMiddleware(logFn func(objectID, action string, duration time.Duration, err error)) Middleware {
	return func(next ActionFunc) ActionFunc {
		return func(ctx context.Context, req Request) (Reply, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			logFn(req.ObjectID, req.Action, time.Since(start), err)
			return reply, err
		}
	}
}

// SlogMiddleware logs every handler run to logger at debug level, and
// failures at warn level.
func SlogMiddleware(logger *slog.Logger) Middleware {
	return LoggingMiddleware(func(objectID, action string, duration time.Duration, err error) {
		attrs := []any{
			slog.String("object_id", objectID),
			slog.String("action", action),
			slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
		}
		if err != nil {
			logger.Warn("handler returned error", append(attrs, slog.String("error", err.Error()))...)
			return
		}
		logger.Debug("handler complete", attrs...)
	})
}

// TimeoutMiddleware bounds each handler run to d.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next ActionFunc) ActionFunc {
		return func(ctx context.Context, req Request) (Reply, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// RequireFields rejects requests whose data lacks any of fields with
// ValidationError before the handler runs.
func RequireFields(fields ...string) Middleware {
	return func(next ActionFunc) ActionFunc {
		return func(ctx context.Context, req Request) (Reply, error) {
			for _, f := range fields {
				if _, ok := req.Data[f]; !ok {
					return Reply{}, derrors.Validation(f, "required")
				}
			}
			return next(ctx, req)
		}
	}
}

// Guarded applies middleware to a single handler.
//
//	ActionTable{"rename": durable.Guarded(rename, durable.RequireFields("name"))}
func Guarded(handler ActionFunc, middleware ...Middleware) ActionFunc {
	return Chain(handler, middleware...)
}
