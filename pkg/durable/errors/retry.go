package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds how often a store write is attempted.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int

	// Backoff is the wait before the second attempt. It doubles after each
	// failure up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Jitter randomizes each wait by up to this fraction (0.0-1.0).
	Jitter float64
}

// StoreRetry is the default policy for persistence writes.
var StoreRetry = RetryConfig{
	MaxAttempts: 3,
	Backoff:     10 * time.Millisecond,
	MaxBackoff:  200 * time.Millisecond,
	Jitter:      0.1,
}

// NoRetry makes a single attempt.
var NoRetry = RetryConfig{MaxAttempts: 1}

// ExhaustedError reports a transient failure that outlived every attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retry calls fn until it succeeds, fails permanently, or runs out of
// attempts. Permanent errors are returned as-is so their codes survive.
// A context that ends first yields a Timeout error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	attempts := max(cfg.MaxAttempts, 1)
	wait := cfg.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Timeout("retry", "", ctxErr)
		}
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			return &ExhaustedError{Attempts: attempts, Err: err}
		}

		timer := time.NewTimer(jittered(wait, cfg.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Timeout("retry", "", ctx.Err())
		case <-timer.C:
		}

		wait *= 2
		if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + jitter*(rand.Float64()*2-1)))
}
