package durable

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

// Test fixtures shared across the package tests.

// counterType is the type name of the test counter.
const counterType = "Counter"

// counter is the Behavior built for each Counter instance.
type counter struct {
	meta Meta
	f    *fixture
}

// Initialize counts every initialization so tests can observe wake.
func (c *counter) Initialize(_ context.Context, _ Emitter, _ State) error {
	c.f.inits.Add(1)
	if c.f.failInit.Load() {
		return errors.New("init refused")
	}
	return nil
}

// Hibernate counts hibernations.
func (c *counter) Hibernate(_ context.Context, _ State) error {
	c.f.hibernations.Add(1)
	return nil
}

// Terminate counts terminations.
func (c *counter) Terminate(_ context.Context, _ State) error {
	c.f.terminations.Add(1)
	return nil
}

// fixture is a registry over a controllable store with a Counter type.
type fixture struct {
	reg   *Registry
	store *flakyStore
	clock *fakeClock

	built        atomic.Int64
	inits        atomic.Int64
	hibernations atomic.Int64
	terminations atomic.Int64
	failInit     atomic.Bool

	// release unblocks the "block" action.
	release chan struct{}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   &flakyStore{Store: store.NewMemoryStore()},
		clock:   newFakeClock(),
		release: make(chan struct{}),
	}
	base := []Option{
		WithLogger(quietLogger()),
		WithClock(f.clock.Now),
		WithStoreRetry(derrors.NoRetry),
	}
	f.reg = NewRegistry(f.store, append(base, opts...)...)
	require.NoError(t, f.register(f.reg))
	t.Cleanup(func() { _ = f.reg.Close() })
	return f
}

// register adds the Counter type to reg.
func (f *fixture) register(reg *Registry) error {
	return reg.RegisterType(counterType, f.newCounter, counterActions(f),
		WithEventHandlers(ActionTable{
			"x":    recordEvent,
			"boom": failEvent,
		}),
	)
}

func (f *fixture) newCounter(meta Meta) Behavior {
	f.built.Add(1)
	return &counter{meta: meta, f: f}
}

// create makes a Counter with the given count.
func (f *fixture) create(t *testing.T, count int) string {
	t.Helper()
	id, err := f.reg.Create(context.Background(), counterType, "ns1", "c", map[string]any{"count": count})
	require.NoError(t, err)
	return id
}

func (f *fixture) object(t *testing.T, id string) *Object {
	t.Helper()
	obj, err := f.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return obj
}

// evict drops the cached instance of id and requires that one was cached.
func (f *fixture) evict(t *testing.T, id string) {
	t.Helper()
	evicted, err := f.reg.Evict(context.Background(), id)
	require.NoError(t, err)
	require.True(t, evicted)
}

func (f *fixture) stored(t *testing.T, id string) *store.Record {
	t.Helper()
	rec, err := f.store.Read(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func counterActions(f *fixture) ActionTable {
	return ActionTable{
		"increment": increment,
		"add":       Guarded(add, RequireFields("amount")),
		"fail": func(_ context.Context, req Request) (Reply, error) {
			// Mutating the private copy must not leak.
			req.State["count"] = -1
			return Reply{}, errors.New("secret connection string")
		},
		"retag": func(_ context.Context, req Request) (Reply, error) {
			// Nested typed values belong to the private copy too.
			if tags, ok := req.State["tags"].(map[string]int); ok {
				tags["x"] = 99
			}
			if list, ok := req.State["list"].([]int); ok && len(list) > 0 {
				list[0] = 99
			}
			return Reply{}, errors.New("retag failed")
		},
		"panic": func(_ context.Context, _ Request) (Reply, error) {
			panic("handler exploded")
		},
		"block": func(ctx context.Context, req Request) (Reply, error) {
			select {
			case <-f.release:
			case <-ctx.Done():
			}
			return Reply{State: req.State.With("count", 99)}, nil
		},
		"emit": func(ctx context.Context, req Request) (Reply, error) {
			_, err := req.Events.Publish(ctx, "x", map[string]any{"n": req.State.Int("count")})
			return Reply{}, err
		},
		"follow": func(_ context.Context, req Request) (Reply, error) {
			topic, _ := req.Data["topic"].(string)
			return Reply{}, req.Events.Subscribe(topic)
		},
	}
}

func increment(_ context.Context, req Request) (Reply, error) {
	n := req.State.Int("count") + 1
	return Reply{
		State:  req.State.With("count", n),
		Result: map[string]any{"count": n},
	}, nil
}

func add(_ context.Context, req Request) (Reply, error) {
	amount, _ := toInt(req.Data["amount"])
	n := req.State.Int("count") + amount
	return Reply{State: req.State.With("count", n), Result: map[string]any{"count": n}}, nil
}

// recordEvent appends the event's "n" to state["seen"].
func recordEvent(_ context.Context, req Request) (Reply, error) {
	seen, _ := req.State["seen"].([]any)
	next := append(append([]any{}, seen...), req.Data["n"])
	return Reply{State: req.State.With("seen", next)}, nil
}

func failEvent(_ context.Context, _ Request) (Reply, error) {
	return Reply{}, errors.New("subscriber broke")
}

func seen(s State) []any {
	v, _ := s["seen"].([]any)
	return v
}

// flakyStore fails writes on demand.
type flakyStore struct {
	store.Store
	failUpdates atomic.Bool
	failDeletes atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) Update(ctx context.Context, rec *store.Record) (bool, error) {
	if s.failUpdates.Load() {
		return false, errDiskFull
	}
	return s.Store.Update(ctx, rec)
}

func (s *flakyStore) Delete(ctx context.Context, id string) (bool, error) {
	if s.failDeletes.Load() {
		return false, errDiskFull
	}
	return s.Store.Delete(ctx, id)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCtx returns a context with a generous timeout for tests.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
