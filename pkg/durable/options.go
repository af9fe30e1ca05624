package durable

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/durable/pkg/durable/config"
	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/observability"
)

// StoreFailurePolicy decides what happens to in-memory state when a
// handler succeeds but its write fails.
type StoreFailurePolicy int

const (
	// DivergeOnStoreError keeps the new state in memory and returns
	// StoreError. Callers must treat the response as applied in memory with
	// persistence uncertain.
	DivergeOnStoreError StoreFailurePolicy = iota

	// RollbackOnStoreError keeps the previous state and returns StoreError.
	RollbackOnStoreError
)

// String returns the policy's configuration name.
func (p StoreFailurePolicy) String() string {
	if p == RollbackOnStoreError {
		return config.PolicyRollback
	}
	return config.PolicyDiverge
}

// ParseStoreFailurePolicy converts a configuration name into a policy.
func ParseStoreFailurePolicy(name string) (StoreFailurePolicy, error) {
	switch name {
	case "", config.PolicyDiverge:
		return DivergeOnStoreError, nil
	case config.PolicyRollback:
		return RollbackOnStoreError, nil
	}
	return DivergeOnStoreError, derrors.Config(fmt.Sprintf("unknown store failure policy %q", name))
}

// options holds registry and runtime configuration.
type options struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	idleAfter        time.Duration
	hibernateAfter   time.Duration
	sweepInterval    time.Duration
	sweepConcurrency int
	requestTimeout   time.Duration

	deliveryTimeout time.Duration
	mailboxSize     int

	retry  derrors.RetryConfig
	policy StoreFailurePolicy

	newID      func() string
	now        func() time.Time
	middleware []Middleware
}

func defaultOptions() options {
	s := config.DefaultSettings()
	return options{
		logger:           slog.Default(),
		metrics:          observability.NoopMetrics{},
		spans:            observability.NoopSpanManager{},
		idleAfter:        s.IdleAfter,
		hibernateAfter:   s.HibernateAfter,
		sweepInterval:    s.SweepInterval,
		sweepConcurrency: 8,
		requestTimeout:   s.RequestTimeout,
		deliveryTimeout:  s.DeliveryTimeout,
		mailboxSize:      s.MailboxSize,
		retry:            derrors.StoreRetry,
		policy:           DivergeOnStoreError,
		newID:            uuid.NewString,
		now:              time.Now,
	}
}

// Option configures a Registry or Runtime.
type Option func(*options)

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default: no-op
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager sets the span manager. Default: no-op
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithObservability enables OpenTelemetry metrics and tracing using the
// global providers.
func WithObservability() Option {
	return func(o *options) {
		o.metrics = observability.NewMetricsRecorder()
		o.spans = observability.NewSpanManager()
	}
}

// WithIdleAfter sets the inactivity threshold for active -> idle.
// Default: 5m. Zero disables idling.
func WithIdleAfter(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.idleAfter = d
		}
	}
}

// WithHibernateAfter sets the inactivity threshold for idle -> hibernating.
// Default: 30m. Zero disables automatic hibernation.
func WithHibernateAfter(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.hibernateAfter = d
		}
	}
}

// WithSweepInterval sets how often Runtime.Start sweeps idle objects.
// Default: 1m
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithSweepConcurrency bounds how many objects a sweep visits at once.
// Default: 8
func WithSweepConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sweepConcurrency = n
		}
	}
}

// WithRequestTimeout bounds routed requests whose context has no deadline.
// Default: 30s. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.requestTimeout = d
		}
	}
}

// WithDeliveryTimeout bounds one event delivery when the publisher has no
// deadline. Default: 10s
func WithDeliveryTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.deliveryTimeout = d
		}
	}
}

// WithMailboxSize bounds each subscriber's pending events.
// Default: 1024. Zero means unbounded.
func WithMailboxSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.mailboxSize = n
		}
	}
}

// WithStoreRetry sets the retry policy for store writes.
// Default: derrors.StoreRetry
func WithStoreRetry(cfg derrors.RetryConfig) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

// WithStoreFailurePolicy sets what happens to memory when a write fails.
// Default: DivergeOnStoreError
func WithStoreFailurePolicy(p StoreFailurePolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithIDGenerator overrides object id allocation. Default: random UUIDs
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithClock overrides the time source for timestamps and idle checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMiddleware wraps the handlers of every type registered afterwards.
func WithMiddleware(middleware ...Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, middleware...)
	}
}

// optionsFromSettings converts typed settings into options.
func optionsFromSettings(s config.Settings) ([]Option, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	policy, err := ParseStoreFailurePolicy(s.StoreFailurePolicy)
	if err != nil {
		return nil, err
	}
	retry := derrors.StoreRetry
	retry.MaxAttempts = s.StoreRetryAttempts

	return []Option{
		WithIdleAfter(s.IdleAfter),
		WithHibernateAfter(s.HibernateAfter),
		WithSweepInterval(s.SweepInterval),
		WithRequestTimeout(s.RequestTimeout),
		WithDeliveryTimeout(s.DeliveryTimeout),
		WithMailboxSize(s.MailboxSize),
		WithStoreRetry(retry),
		WithStoreFailurePolicy(policy),
	}, nil
}
