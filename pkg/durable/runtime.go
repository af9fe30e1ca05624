package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/randalmurphal/durable/pkg/durable/config"
	"github.com/randalmurphal/durable/pkg/durable/query"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

// Runtime wires one Store, Registry, event bus, Router and query executor
// together. Construct one per process and pass it to collaborators.
type Runtime struct {
	Store    store.Store
	Registry *Registry
	Router   *Router
	Queries  *query.Registry

	interval time.Duration

	mu      sync.Mutex
	stop    context.CancelFunc
	stopped chan struct{}
	closed  bool
}

// New creates a runtime over st.
func New(st store.Store, opts ...Option) *Runtime {
	reg := NewRegistry(st, opts...)

	queries := query.NewRegistry()
	// Built-in names cannot collide on a fresh registry.
	_ = query.RegisterBuiltins(queries)
	exec := query.NewExecutor(queries, reg.Snapshot)

	return &Runtime{
		Store:    st,
		Registry: reg,
		Router:   NewRouter(reg, exec),
		Queries:  queries,
		interval: reg.opts.sweepInterval,
	}
}

// NewFromSettings opens the configured store and creates a runtime.
// Options given here override the settings.
func NewFromSettings(s config.Settings, opts ...Option) (*Runtime, error) {
	base, err := optionsFromSettings(s)
	if err != nil {
		return nil, err
	}
	level, err := s.Level()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := store.Open(s.StoreBackend, s.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.StoreBackend, err)
	}

	all := append([]Option{WithLogger(logger)}, base...)
	return New(st, append(all, opts...)...), nil
}

// RegisterType registers an object type. See Registry.RegisterType.
func (rt *Runtime) RegisterType(name string, factory Factory, actions ActionTable, opts ...TypeOption) error {
	return rt.Registry.RegisterType(name, factory, actions, opts...)
}

// Start runs the idle sweeper until ctx ends or Close is called.
// Calling Start twice is a no-op.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed || rt.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	rt.stop = cancel
	rt.stopped = make(chan struct{})

	go func() {
		defer close(rt.stopped)
		ticker := time.NewTicker(rt.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rt.Registry.Sweep(ctx)
			}
		}
	}()
}

// Close stops the sweeper, drains event delivery and closes the store.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	stop, stopped := rt.stop, rt.stopped
	rt.mu.Unlock()

	if stop != nil {
		stop()
		<-stopped
	}
	return errors.Join(rt.Registry.Close(), rt.Store.Close())
}
