package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/event"
	"github.com/randalmurphal/durable/pkg/durable/observability"
	"github.com/randalmurphal/durable/pkg/durable/query"
	"github.com/randalmurphal/durable/pkg/durable/registry"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

// Registry creates, hydrates, caches and retires durable objects.
//
// At most one live Object exists per id: the first caller to miss the cache
// inserts a pending entry and builds the instance while later callers wait
// on it. Operations on different ids never wait on each other.
type Registry struct {
	opts  options
	deps  *deps
	bus   *event.Bus
	types *registry.Registry[string, *ObjectType]
	cache *registry.Registry[string, *entry]
}

// entry is a cache slot. ready is closed once obj or err is set.
type entry struct {
	ready chan struct{}
	obj   *Object
	err   error
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{})}
}

func (e *entry) settled() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Info is the listing view of a record. It never includes state.
type Info struct {
	ID             string    `json:"id"`
	TypeName       string    `json:"typeName"`
	Namespace      string    `json:"namespace"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// NewRegistry creates a registry backed by st. The registry owns its event
// bus, which resolves subscribers back through the registry.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{
		opts:  o,
		types: registry.New[string, *ObjectType](),
		cache: registry.New[string, *entry](),
	}
	r.bus = event.NewBus(r, event.BusConfig{
		MailboxSize:     o.mailboxSize,
		DeliveryTimeout: o.deliveryTimeout,
		Logger:          o.logger,
		Metrics:         o.metrics,
		Spans:           o.spans,
		Now:             o.now,
	})
	r.deps = &deps{
		store:   st,
		events:  r.bus,
		logger:  o.logger,
		metrics: o.metrics,
		spans:   o.spans,
		now:     o.now,
		retry:   o.retry,
		policy:  o.policy,
	}
	return r
}

// Bus returns the registry's event bus.
func (r *Registry) Bus() *event.Bus {
	return r.bus
}

// RegisterType registers a type's factory and action table.
//
// Registering the same name with the same factory again is a no-op. A
// different factory, an empty name, a nil handler or an action that shadows
// a built-in returns ConfigError.
//
// Factories are compared by code pointer. Two closures made from the same
// function literal count as the same factory even when they capture
// different values, so such a re-registration is accepted and the first
// factory stays in effect.
func (r *Registry) RegisterType(name string, factory Factory, actions ActionTable, opts ...TypeOption) error {
	t, err := newObjectType(name, factory, actions, opts, r.opts.middleware)
	if err != nil {
		return err
	}

	existing, created := r.types.GetOrCreate(name, func() *ObjectType { return t })
	if created {
		r.opts.logger.Info("type registered",
			slog.String("type", name),
			slog.String("version", t.Version),
			slog.Int("actions", len(t.actions)),
			slog.Int("event_handlers", len(t.events)),
		)
		return nil
	}
	if !existing.sameFactory(factory) {
		return derrors.Config(fmt.Sprintf("type %q is already registered with a different factory", name))
	}
	return nil
}

// Type returns a registered type.
func (r *Registry) Type(name string) (*ObjectType, bool) {
	return r.types.Get(name)
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	names := r.types.Keys()
	sort.Strings(names)
	return names
}

// Create constructs, initializes, persists and caches a new object and
// returns its id.
func (r *Registry) Create(ctx context.Context, typeName, namespace, name string, initial map[string]any) (string, error) {
	t, ok := r.types.Get(typeName)
	if !ok {
		return "", derrors.UnknownType("create", typeName)
	}

	id := r.opts.newID()
	if id == "" {
		return "", derrors.Config("id generator returned an empty id")
	}
	e := newEntry()
	if !r.cache.RegisterIfAbsent(id, e) {
		return "", derrors.New(derrors.CodeStoreError, "create", id, "id already in use")
	}

	now := r.opts.now()
	obj := newObject(t, &store.Record{
		ID:             id,
		TypeName:       typeName,
		Namespace:      namespace,
		Name:           name,
		State:          initial,
		Status:         string(StatusInitializing),
		Version:        t.Version,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}, r.deps)

	if err := obj.initialize(ctx); err != nil {
		r.bus.Unsubscribe(id, "")
		r.settle(id, e, nil, err)
		return "", err
	}

	r.settle(id, e, obj, nil)
	observability.LogObjectCreated(r.opts.logger, id, typeName)
	return id, nil
}

// Get returns the live object for id, hydrating it from the store if it is
// not cached. A stored hibernating object is woken before Get returns.
// Unknown, terminating and terminated ids return NotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Object, error) {
	obj, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st := obj.Status(); st.Retired() {
		return nil, derrors.NotFound("get", id)
	}
	return obj, nil
}

// get is Get without the retired check, so Delete can retry the removal
// of an object whose earlier delete failed.
func (r *Registry) get(ctx context.Context, id string) (*Object, error) {
	if id == "" {
		return nil, derrors.Validation("id", "must not be empty")
	}

	for {
		e, created := r.cache.GetOrCreate(id, newEntry)
		if created {
			obj, err := r.hydrate(ctx, id)
			r.settle(id, e, obj, err)
			return obj, err
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, derrors.Timeout("get", id, ctx.Err())
		}

		if e.err == nil {
			return e.obj, nil
		}
		// Another caller's hydration ran out of time; try again with ours.
		if derrors.Is(e.err, derrors.CodeTimeout) && ctx.Err() == nil {
			continue
		}
		return nil, e.err
	}
}

// ResolveSubscriber implements event.Resolver.
func (r *Registry) ResolveSubscriber(ctx context.Context, id string) (event.Subscriber, error) {
	obj, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Update shallow-merges partial into the object's state and persists it.
func (r *Registry) Update(ctx context.Context, id string, partial map[string]any) (*Object, error) {
	obj, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := obj.merge(ctx, partial); err != nil {
		return obj, err
	}
	return obj, nil
}

// Delete terminates the object and removes it from the cache and store.
// It reports false, without error, if the object does not exist.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	obj, err := r.get(ctx, id)
	if err != nil {
		if derrors.Is(err, derrors.CodeNotFound) {
			return false, nil
		}
		return false, err
	}

	deleted, err := obj.terminate(ctx, func(ctx context.Context) error {
		if err := r.remove(ctx, id); err != nil {
			return err
		}
		r.cache.DeleteIf(id, func(e *entry) bool { return e.obj == obj })
		r.bus.Unsubscribe(id, "")
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		observability.LogObjectDeleted(r.opts.logger, id)
	}
	return deleted, nil
}

// List returns the records matching filter, ordered by creation time.
// It reads the store only and never hydrates objects.
func (r *Registry) List(ctx context.Context, filter store.Filter) ([]Info, error) {
	start := time.Now()
	recs, err := r.deps.store.List(ctx, filter.Predicate())
	r.opts.metrics.RecordStoreOp(ctx, opList, time.Since(start), err)
	if err != nil {
		return nil, storeError(opList, "", err)
	}

	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Info{
			ID:             rec.ID,
			TypeName:       rec.TypeName,
			Namespace:      rec.Namespace,
			Name:           rec.Name,
			Status:         Status(rec.Status),
			Version:        rec.Version,
			CreatedAt:      rec.CreatedAt,
			UpdatedAt:      rec.UpdatedAt,
			LastActivityAt: rec.LastActivityAt,
		})
	}
	return out, nil
}

// Snapshot returns a read-only view of an object without hydrating or
// waking it. Cached objects report their live values.
func (r *Registry) Snapshot(ctx context.Context, id string) (*query.Snapshot, error) {
	if e, ok := r.cache.Get(id); ok && e.settled() && e.err == nil {
		snap := e.obj.snapshot()
		if Status(snap.Status).Retired() {
			return nil, derrors.NotFound("snapshot", id)
		}
		snap.Subscriptions = r.bus.Subscriptions(id)
		return snap, nil
	}

	rec, err := r.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if Status(rec.Status).Retired() {
		return nil, derrors.NotFound("snapshot", id)
	}
	return &query.Snapshot{
		ID:             rec.ID,
		TypeName:       rec.TypeName,
		Namespace:      rec.Namespace,
		Name:           rec.Name,
		Status:         rec.Status,
		Version:        rec.Version,
		State:          rec.State,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		LastActivityAt: rec.LastActivityAt,
		Subscriptions:  r.bus.Subscriptions(id),
	}, nil
}

// Cached reports whether a live instance for id is in the cache.
func (r *Registry) Cached(id string) bool {
	e, ok := r.cache.Get(id)
	return ok && e.settled() && e.err == nil
}

// Live returns the cached objects.
func (r *Registry) Live() []*Object {
	var out []*Object
	r.cache.Range(func(_ string, e *entry) bool {
		if e.settled() && e.err == nil {
			out = append(out, e.obj)
		}
		return true
	})
	return out
}

// Evict drops a cached instance without touching the store. It waits for
// the instance's queued requests, then retires it: later calls through a
// handle to the evicted instance return InvalidState, and the next Get
// hydrates a fresh instance. It reports whether an instance was evicted.
func (r *Registry) Evict(ctx context.Context, id string) (bool, error) {
	e, ok := r.cache.Get(id)
	if !ok || !e.settled() || e.err != nil {
		return false, nil
	}
	obj := e.obj

	removed := false
	err := obj.detach(ctx, func() {
		removed = r.cache.DeleteIf(id, func(e *entry) bool { return e.obj == obj })
		if removed {
			r.bus.Unsubscribe(id, "")
		}
	})
	if derrors.Is(err, derrors.CodeInvalidState) {
		return false, nil
	}
	return removed, err
}

// Close stops event delivery and drops every cached instance. State is
// already persisted, so nothing is flushed.
func (r *Registry) Close() error {
	err := r.bus.Close()
	r.cache.Clear()
	return err
}

// hydrate loads id from the store and attaches a new instance.
func (r *Registry) hydrate(ctx context.Context, id string) (*Object, error) {
	rec, err := r.read(ctx, id)
	if err != nil {
		return nil, err
	}

	status := Status(rec.Status)
	if !status.Valid() {
		return nil, derrors.Store("hydrate", id, fmt.Errorf("stored status %q is invalid", rec.Status))
	}
	if status.Retired() {
		return nil, derrors.NotFound("get", id)
	}

	t, ok := r.types.Get(rec.TypeName)
	if !ok {
		r.opts.logger.Error("stored object has unknown type",
			slog.String("object_id", id),
			slog.String("type", rec.TypeName),
		)
		return nil, derrors.UnknownType("hydrate", rec.TypeName)
	}

	obj := newObject(t, rec, r.deps)
	if err := obj.attach(ctx); err != nil {
		r.bus.Unsubscribe(id, "")
		return nil, err
	}
	observability.LogObjectHydrated(r.opts.logger, id, t.Name, rec.Status)
	return obj, nil
}

func (r *Registry) read(ctx context.Context, id string) (*store.Record, error) {
	start := time.Now()
	rec, err := r.deps.store.Read(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		r.opts.metrics.RecordStoreOp(ctx, opRead, time.Since(start), nil)
		return nil, derrors.NotFound("get", id)
	}
	r.opts.metrics.RecordStoreOp(ctx, opRead, time.Since(start), err)
	if err != nil {
		observability.LogStoreError(r.opts.logger, id, opRead, err)
		return nil, storeError(opRead, id, err)
	}
	return rec, nil
}

func (r *Registry) remove(ctx context.Context, id string) error {
	start := time.Now()
	err := derrors.Retry(ctx, r.opts.retry, func(ctx context.Context) error {
		_, err := r.deps.store.Delete(ctx, id)
		return err
	})
	r.opts.metrics.RecordStoreOp(ctx, opDelete, time.Since(start), err)
	if err != nil {
		observability.LogStoreError(r.opts.logger, id, opDelete, err)
		return storeError(opDelete, id, err)
	}
	return nil
}

// settle publishes the outcome of building an entry. Failed entries are
// removed so a later Get can try again.
func (r *Registry) settle(id string, e *entry, obj *Object, err error) {
	e.obj, e.err = obj, err
	if err != nil {
		r.cache.DeleteIf(id, func(v *entry) bool { return v == e })
	}
	close(e.ready)
}
