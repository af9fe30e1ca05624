package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

// Store failure policies accepted by Settings.StoreFailurePolicy.
const (
	PolicyDiverge  = "diverge"
	PolicyRollback = "rollback"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DURABLE_"

// Settings is the typed runtime configuration.
type Settings struct {
	// IdleAfter is the inactivity threshold for ACTIVE -> IDLE.
	IdleAfter time.Duration

	// HibernateAfter is the inactivity threshold for IDLE -> HIBERNATING.
	// Zero disables automatic hibernation.
	HibernateAfter time.Duration

	// SweepInterval is how often the idle sweeper runs.
	SweepInterval time.Duration

	// RequestTimeout bounds a routed request when the caller has no deadline.
	RequestTimeout time.Duration

	// DeliveryTimeout bounds one event delivery when the publisher has no deadline.
	DeliveryTimeout time.Duration

	// MailboxSize bounds each subscriber's pending events. Zero means unbounded.
	MailboxSize int

	StoreBackend       string
	StorePath          string
	StoreRetryAttempts int
	StoreFailurePolicy string

	LogLevel string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		IdleAfter:          5 * time.Minute,
		HibernateAfter:     30 * time.Minute,
		SweepInterval:      time.Minute,
		RequestTimeout:     30 * time.Second,
		DeliveryTimeout:    10 * time.Second,
		MailboxSize:        1024,
		StoreBackend:       "memory",
		StoreRetryAttempts: 3,
		StoreFailurePolicy: PolicyDiverge,
		LogLevel:           "info",
	}
}

// FromConfig overlays values found in cfg onto s.
//
// Recognized keys:
//
//	idle_after, hibernate_after, sweep_interval, request_timeout,
//	delivery_timeout, mailbox_size, log_level
//	store: {backend, path, retry_attempts, failure_policy}
func (s Settings) FromConfig(cfg Config) Settings {
	s.IdleAfter = cfg.Duration("idle_after", s.IdleAfter)
	s.HibernateAfter = cfg.Duration("hibernate_after", s.HibernateAfter)
	s.SweepInterval = cfg.Duration("sweep_interval", s.SweepInterval)
	s.RequestTimeout = cfg.Duration("request_timeout", s.RequestTimeout)
	s.DeliveryTimeout = cfg.Duration("delivery_timeout", s.DeliveryTimeout)
	s.MailboxSize = cfg.Int("mailbox_size", s.MailboxSize)
	s.LogLevel = cfg.String("log_level", s.LogLevel)

	s.StoreBackend = cfg.String("store.backend", s.StoreBackend)
	s.StorePath = cfg.String("store.path", s.StorePath)
	s.StoreRetryAttempts = cfg.Int("store.retry_attempts", s.StoreRetryAttempts)
	s.StoreFailurePolicy = cfg.String("store.failure_policy", s.StoreFailurePolicy)
	return s
}

// FromEnv overlays DURABLE_* values from lookup onto s.
// Malformed values are reported as a ConfigError.
func (s Settings) FromEnv(lookup func(string) (string, bool)) (Settings, error) {
	durations := map[string]*time.Duration{
		"IDLE_AFTER":       &s.IdleAfter,
		"HIBERNATE_AFTER":  &s.HibernateAfter,
		"SWEEP_INTERVAL":   &s.SweepInterval,
		"REQUEST_TIMEOUT":  &s.RequestTimeout,
		"DELIVERY_TIMEOUT": &s.DeliveryTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return s, derrors.Config(fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"MAILBOX_SIZE":         &s.MailboxSize,
		"STORE_RETRY_ATTEMPTS": &s.StoreRetryAttempts,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return s, derrors.Config(fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"STORE_BACKEND":        &s.StoreBackend,
		"STORE_PATH":           &s.StorePath,
		"STORE_FAILURE_POLICY": &s.StoreFailurePolicy,
		"LOG_LEVEL":            &s.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	return s, nil
}

// Validate reports the first invalid field as a ConfigError.
func (s Settings) Validate() error {
	switch {
	case s.IdleAfter <= 0:
		return derrors.Config("idle_after must be positive")
	case s.HibernateAfter < 0:
		return derrors.Config("hibernate_after must not be negative")
	case s.SweepInterval <= 0:
		return derrors.Config("sweep_interval must be positive")
	case s.RequestTimeout < 0:
		return derrors.Config("request_timeout must not be negative")
	case s.DeliveryTimeout <= 0:
		return derrors.Config("delivery_timeout must be positive")
	case s.MailboxSize < 0:
		return derrors.Config("mailbox_size must not be negative")
	case s.StoreRetryAttempts < 1:
		return derrors.Config("store retry_attempts must be at least 1")
	}

	switch s.StoreBackend {
	case "memory", "sqlite", "badger":
	default:
		return derrors.Config(fmt.Sprintf("unknown store backend %q", s.StoreBackend))
	}

	switch s.StoreFailurePolicy {
	case PolicyDiverge, PolicyRollback:
	default:
		return derrors.Config(fmt.Sprintf("unknown store failure policy %q", s.StoreFailurePolicy))
	}

	if _, err := s.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel into a slog.Level.
func (s Settings) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s.LogLevel))); err != nil {
		return slog.LevelInfo, derrors.Config(fmt.Sprintf("invalid log level %q", s.LogLevel))
	}
	return lvl, nil
}

// Load builds validated Settings from defaults, an optional config file,
// optional .env files, and the process environment (highest precedence).
func Load(path string, envFiles ...string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		cfg, err := FromFile(path)
		if err != nil {
			return Settings{}, derrors.Wrap(derrors.CodeConfig, "load", "", err)
		}
		s = s.FromConfig(cfg)
	}

	dotenv, err := LoadDotEnv(envFiles...)
	if err != nil {
		return Settings{}, derrors.Wrap(derrors.CodeConfig, "load", "", err)
	}

	s, err = s.FromEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
	if err != nil {
		return Settings{}, err
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
