package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/event"
	"github.com/randalmurphal/durable/pkg/durable/observability"
	"github.com/randalmurphal/durable/pkg/durable/query"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

// Store operation names used in logs and metrics.
const (
	opCreate    = "create"
	opUpdate    = "update"
	opHibernate = "hibernate"
	opIdle      = "idle"
	opTerminate = "terminate"
	opDelete    = "delete"
	opRead      = "read"
	opList      = "list"
)

// eventCapability is the slice of the bus an object may use.
type eventCapability interface {
	event.Publisher
	event.Subscriptions
}

// deps are the collaborators an object shares with its registry.
type deps struct {
	store   store.Store
	events  eventCapability
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time
	retry   derrors.RetryConfig
	policy  StoreFailurePolicy
}

// Object is a live durable object instance.
//
// Requests, event deliveries and lifecycle changes run one at a time in
// arrival order under the object's lock. The accessors may be called at any
// time and observe the last committed values.
type Object struct {
	meta     Meta
	typ      *ObjectType
	behavior Behavior
	deps     *deps
	logger   *slog.Logger

	lock fifoLock

	mu             sync.RWMutex
	status         Status
	state          State
	version        string
	createdAt      time.Time
	updatedAt      time.Time
	lastActivityAt time.Time
	detached       bool
}

func newObject(typ *ObjectType, rec *store.Record, d *deps) *Object {
	meta := Meta{
		ID:        rec.ID,
		TypeName:  typ.Name,
		Namespace: rec.Namespace,
		Name:      rec.Name,
	}
	state := State(store.CloneState(rec.State))
	if state == nil {
		state = State{}
	}
	version := rec.Version
	if version == "" {
		version = typ.Version
	}

	return &Object{
		meta:           meta,
		typ:            typ,
		behavior:       typ.factory(meta),
		deps:           d,
		logger:         observability.EnrichLogger(d.logger, rec.ID, typ.Name),
		status:         Status(rec.Status),
		state:          state,
		version:        version,
		createdAt:      rec.CreatedAt,
		updatedAt:      rec.UpdatedAt,
		lastActivityAt: rec.LastActivityAt,
	}
}

// ID returns the object's id.
func (o *Object) ID() string { return o.meta.ID }

// TypeName returns the registered type name.
func (o *Object) TypeName() string { return o.meta.TypeName }

// Namespace returns the object's namespace.
func (o *Object) Namespace() string { return o.meta.Namespace }

// Name returns the object's human label.
func (o *Object) Name() string { return o.meta.Name }

// Version returns the type version recorded for the object.
func (o *Object) Version() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// Status returns the current lifecycle status.
func (o *Object) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// State returns a copy of the committed state.
func (o *Object) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Clone()
}

// LastActivityAt returns when the object last served a request.
func (o *Object) LastActivityAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastActivityAt
}

// Events returns the object's event capability.
func (o *Object) Events() Emitter { return emitter{o: o} }

// Subscriptions returns the event types the object is subscribed to.
func (o *Object) Subscriptions() []string {
	return o.deps.events.Subscriptions(o.meta.ID)
}

// ProcessRequest runs action against the object.
//
// A hibernating object is woken first. A terminating or terminated object
// returns InvalidState. The handler's new state is persisted before it
// becomes visible; if the handler fails nothing is persisted and the
// status is unchanged.
func (o *Object) ProcessRequest(ctx context.Context, action string, data, metadata map[string]any) (map[string]any, error) {
	if action == "" {
		return nil, derrors.Validation("action", "must not be empty")
	}

	ctx, span := o.deps.spans.StartRequestSpan(ctx, o.meta.ID, o.meta.TypeName, action)
	done := observability.TimedOperation()

	result, err := o.processRequest(ctx, action, data, metadata)

	elapsed := done()
	o.deps.metrics.RecordRequest(ctx, o.meta.TypeName, action, elapsed, err)
	o.logOutcome(action, err, elapsed)
	o.deps.spans.EndSpanWithError(span, err)
	return result, err
}

func (o *Object) processRequest(ctx context.Context, action string, data, metadata map[string]any) (map[string]any, error) {
	if st := o.Status(); st.Retired() {
		return nil, derrors.InvalidState("process", o.meta.ID, string(st))
	}
	if err := o.acquire(ctx, "process"); err != nil {
		return nil, err
	}
	defer o.lock.Unlock()

	if err := o.activateLocked(ctx, "process"); err != nil {
		return nil, err
	}

	switch action {
	case ActionHibernate:
		if err := o.hibernateLocked(ctx, true); err != nil {
			return nil, err
		}
		return map[string]any{"status": string(StatusHibernating)}, nil
	case ActionPing:
		if err := o.commitLocked(ctx, nil); err != nil {
			return nil, err
		}
		return map[string]any{"pong": true, "status": string(o.Status())}, nil
	case ActionStatus:
		if err := o.commitLocked(ctx, nil); err != nil {
			return nil, err
		}
		snap := o.snapshot()
		return map[string]any{
			"status":         snap.Status,
			"version":        snap.Version,
			"lastActivityAt": snap.LastActivityAt,
		}, nil
	}

	handler, ok := o.typ.action(action)
	if !ok {
		return nil, derrors.UnknownAction(o.meta.ID, action)
	}

	req := o.newRequest(action, data, metadata)
	reply, err := o.runLocked(ctx, "process", handler, req)
	if err != nil {
		return nil, err
	}
	if reply.Result == nil {
		return map[string]any{}, nil
	}
	return reply.Result, nil
}

// HandleEvent delivers evt to the type's handler for evt.Type.
// Event types without a handler are ignored. Errors are returned to the
// bus, which logs them without affecting other subscribers.
func (o *Object) HandleEvent(ctx context.Context, evt event.Event) error {
	handler, ok := o.typ.eventHandler(evt.Type)
	if !ok {
		return nil
	}
	if st := o.Status(); st.Retired() {
		return derrors.InvalidState("event", o.meta.ID, string(st))
	}

	done := observability.TimedOperation()
	err := o.handleEvent(ctx, handler, evt)
	o.deps.metrics.RecordRequest(ctx, o.meta.TypeName, "event:"+evt.Type, done(), err)
	if err != nil {
		o.logger.Warn("event handler failed",
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID),
			slog.String("code", string(derrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (o *Object) handleEvent(ctx context.Context, handler ActionFunc, evt event.Event) error {
	if err := o.acquire(ctx, "event"); err != nil {
		return err
	}
	defer o.lock.Unlock()

	if err := o.activateLocked(ctx, "event"); err != nil {
		return err
	}

	req := o.newRequest(evt.Type, evt.Payload, evt.Metadata())
	req.Event = &evt
	_, err := o.runLocked(ctx, "event", handler, req)
	return err
}

// Hibernate flushes the object's state and moves it to hibernating.
// The next request or event wakes it. Hibernating twice is a no-op.
func (o *Object) Hibernate(ctx context.Context) error {
	if err := o.acquire(ctx, opHibernate); err != nil {
		return err
	}
	defer o.lock.Unlock()
	return o.hibernateLocked(ctx, false)
}

// MarkIdle moves an active object to idle. Other statuses are left alone.
func (o *Object) MarkIdle(ctx context.Context) error {
	if err := o.acquire(ctx, opIdle); err != nil {
		return err
	}
	defer o.lock.Unlock()
	return o.idleLocked(ctx)
}

// merge shallow-merges partial into the state and persists it.
func (o *Object) merge(ctx context.Context, partial map[string]any) error {
	if st := o.Status(); st.Retired() {
		return derrors.InvalidState(opUpdate, o.meta.ID, string(st))
	}
	if err := o.acquire(ctx, opUpdate); err != nil {
		return err
	}
	defer o.lock.Unlock()

	if err := o.activateLocked(ctx, opUpdate); err != nil {
		return err
	}

	next := o.State()
	for k, v := range store.CloneState(partial) {
		next[k] = v
	}
	return o.commitLocked(ctx, next)
}

// initialize runs the first initialization of a new instance and persists it.
func (o *Object) initialize(ctx context.Context) error {
	if err := o.acquire(ctx, "initialize"); err != nil {
		return err
	}
	defer o.lock.Unlock()

	if err := o.initializeLocked(ctx); err != nil {
		return err
	}
	if err := o.transitionLocked(ctx, StatusActive, o.deps.now()); err != nil {
		return err
	}

	o.mu.RLock()
	rec := o.recordLocked(o.state, o.status, o.updatedAt, o.lastActivityAt)
	o.mu.RUnlock()
	return o.persist(ctx, opCreate, rec)
}

// attach prepares a hydrated instance: runtime resources are re-acquired
// and a stored hibernating or initializing object is woken.
func (o *Object) attach(ctx context.Context) error {
	if err := o.acquire(ctx, "hydrate"); err != nil {
		return err
	}
	defer o.lock.Unlock()

	switch o.Status() {
	case StatusHibernating, StatusInitializing:
		return o.wakeLocked(ctx)
	default:
		return o.initializeLocked(ctx)
	}
}

// terminate retires the object. It waits behind queued requests, marks the
// object terminating, persists that, runs the Terminator hook and calls
// remove. It reports false if the object was already terminated.
func (o *Object) terminate(ctx context.Context, remove func(context.Context) error) (bool, error) {
	if err := o.acquire(ctx, opTerminate); err != nil {
		return false, err
	}
	defer o.lock.Unlock()

	now := o.deps.now()
	switch o.Status() {
	case StatusTerminated:
		return false, nil
	case StatusTerminating:
		// A previous delete failed after the status change; retry removal.
	default:
		if err := o.transitionLocked(ctx, StatusTerminating, now); err != nil {
			return false, err
		}
		o.mu.RLock()
		rec := o.recordLocked(o.state, StatusTerminating, now, o.lastActivityAt)
		o.mu.RUnlock()
		if err := o.persist(ctx, opTerminate, rec); err != nil && derrors.Is(err, derrors.CodeTimeout) {
			return false, err
		}
		if t, ok := o.behavior.(Terminator); ok {
			if err := o.callHook(ctx, opTerminate, func(ctx context.Context) error {
				return t.Terminate(ctx, o.State())
			}); err != nil {
				o.logger.Warn("terminate hook failed", slog.String("error", err.Error()))
			}
		}
	}

	if err := remove(ctx); err != nil {
		return false, err
	}
	if err := o.transitionLocked(ctx, StatusTerminated, o.deps.now()); err != nil {
		return false, err
	}
	return true, nil
}

// acquire takes the object lock. An evicted instance is no longer the live
// one for its id, so every locked operation on it returns InvalidState.
func (o *Object) acquire(ctx context.Context, op string) error {
	if err := o.lock.Lock(ctx); err != nil {
		return derrors.Timeout(op, o.meta.ID, err)
	}
	if o.isDetached() {
		o.lock.Unlock()
		return derrors.InvalidState(op, o.meta.ID, "evicted")
	}
	return nil
}

func (o *Object) isDetached() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.detached
}

// detach waits for queued work, marks the instance evicted and runs fn
// while still holding the lock.
func (o *Object) detach(ctx context.Context, fn func()) error {
	if err := o.acquire(ctx, "evict"); err != nil {
		return err
	}
	defer o.lock.Unlock()

	o.mu.Lock()
	o.detached = true
	o.mu.Unlock()
	fn()
	return nil
}

// activateLocked brings the object to active before a request runs.
func (o *Object) activateLocked(ctx context.Context, op string) error {
	switch st := o.Status(); st {
	case StatusTerminating, StatusTerminated:
		return derrors.InvalidState(op, o.meta.ID, string(st))
	case StatusHibernating, StatusInitializing:
		return o.wakeLocked(ctx)
	case StatusIdle:
		return o.transitionLocked(ctx, StatusActive, o.deps.now())
	}
	return nil
}

func (o *Object) wakeLocked(ctx context.Context) error {
	if err := o.initializeLocked(ctx); err != nil {
		return err
	}
	return o.transitionLocked(ctx, StatusActive, o.deps.now())
}

// initializeLocked subscribes the type's event handlers and runs the
// Initializer hook.
func (o *Object) initializeLocked(ctx context.Context) error {
	for _, eventType := range o.typ.EventTypes() {
		if err := o.deps.events.Subscribe(o.meta.ID, eventType); err != nil {
			return derrors.HandlerFailed("initialize", o.meta.ID, err)
		}
	}
	init, ok := o.behavior.(Initializer)
	if !ok {
		return nil
	}
	return o.callHook(ctx, "initialize", func(ctx context.Context) error {
		return init.Initialize(ctx, o.Events(), o.State())
	})
}

func (o *Object) hibernateLocked(ctx context.Context, touch bool) error {
	from := o.Status()
	if from == StatusHibernating {
		return nil
	}
	if !from.CanTransition(StatusHibernating) {
		return derrors.InvalidState(opHibernate, o.meta.ID, string(from))
	}

	if h, ok := o.behavior.(Hibernator); ok {
		if err := o.callHook(ctx, opHibernate, func(ctx context.Context) error {
			return h.Hibernate(ctx, o.State())
		}); err != nil {
			return err
		}
	}

	now := o.deps.now()
	o.mu.RLock()
	activity := o.lastActivityAt
	if touch {
		activity = later(activity, now)
	}
	rec := o.recordLocked(o.state, StatusHibernating, now, activity)
	o.mu.RUnlock()

	if err := o.persist(ctx, opHibernate, rec); err != nil {
		return err
	}

	o.mu.Lock()
	o.lastActivityAt = activity
	o.mu.Unlock()
	return o.transitionLocked(ctx, StatusHibernating, now)
}

func (o *Object) idleLocked(ctx context.Context) error {
	if o.Status() != StatusActive {
		return nil
	}
	now := o.deps.now()
	o.mu.RLock()
	rec := o.recordLocked(o.state, StatusIdle, now, o.lastActivityAt)
	o.mu.RUnlock()

	if err := o.persist(ctx, opIdle, rec); err != nil {
		return err
	}
	return o.transitionLocked(ctx, StatusIdle, now)
}

// runLocked invokes handler and commits its reply.
// A reply that arrives after ctx ended is discarded.
func (o *Object) runLocked(ctx context.Context, op string, handler ActionFunc, req Request) (Reply, error) {
	reply, err := o.invoke(ctx, op, handler, req)
	if err != nil {
		return Reply{}, err
	}
	if err := derrors.FromContext(ctx, op, o.meta.ID); err != nil {
		return Reply{}, err
	}
	if err := o.commitLocked(ctx, reply.State); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (o *Object) invoke(ctx context.Context, op string, handler ActionFunc, req Request) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("handler panic",
				slog.String("action", req.Action),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = derrors.HandlerFailed(op, o.meta.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	reply, err = handler(ctx, req)
	if err != nil {
		return Reply{}, o.handlerError(op, err)
	}
	return reply, nil
}

// handlerError keeps coded errors and wraps everything else as HandlerError.
func (o *Object) handlerError(op string, err error) error {
	var coded *derrors.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return derrors.Timeout(op, o.meta.ID, err)
	}
	o.logger.Error("handler failed", slog.String("operation", op), slog.String("error", err.Error()))
	return derrors.HandlerFailed(op, o.meta.ID, err)
}

// callHook runs a lifecycle hook, converting errors and panics to HandlerError.
func (o *Object) callHook(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("lifecycle hook panic",
				slog.String("operation", op),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = derrors.HandlerFailed(op, o.meta.ID, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		return o.handlerError(op, err)
	}
	return nil
}

// commitLocked persists next (or the current state when next is nil),
// bumps lastActivityAt and swaps the state in.
//
// On a store failure the state is applied anyway under DivergeOnStoreError
// and kept as before under RollbackOnStoreError. A timed out write is never
// applied.
func (o *Object) commitLocked(ctx context.Context, next State) error {
	now := o.deps.now()

	o.mu.RLock()
	if next == nil {
		next = o.state
	} else {
		next = next.Clone()
	}
	activity := later(o.lastActivityAt, now)
	rec := o.recordLocked(next, o.status, now, activity)
	o.mu.RUnlock()

	err := o.persist(ctx, opUpdate, rec)
	if err != nil && (o.deps.policy == RollbackOnStoreError || derrors.Is(err, derrors.CodeTimeout)) {
		return err
	}

	o.mu.Lock()
	o.state = next
	o.updatedAt = now
	o.lastActivityAt = activity
	o.mu.Unlock()
	return err
}

// transitionLocked moves the object along the status graph.
func (o *Object) transitionLocked(ctx context.Context, to Status, at time.Time) error {
	o.mu.Lock()
	from := o.status
	if !from.CanTransition(to) {
		o.mu.Unlock()
		return derrors.InvalidState("transition", o.meta.ID, string(from))
	}
	o.status = to
	o.updatedAt = at
	o.mu.Unlock()

	observability.LogTransition(o.logger, o.meta.ID, string(from), string(to))
	o.deps.metrics.RecordTransition(ctx, o.meta.TypeName, string(from), string(to))
	o.deps.spans.AddSpanEvent(ctx, "durable.transition",
		attribute.String("status.from", string(from)),
		attribute.String("status.to", string(to)),
	)
	return nil
}

// persist writes rec with retries.
func (o *Object) persist(ctx context.Context, op string, rec *store.Record) error {
	done := observability.TimedOperation()
	err := derrors.Retry(ctx, o.deps.retry, func(ctx context.Context) error {
		if op == opCreate {
			return o.deps.store.Create(ctx, rec)
		}
		ok, err := o.deps.store.Update(ctx, rec)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		return nil
	})
	o.deps.metrics.RecordStoreOp(ctx, op, done(), err)
	o.deps.spans.AddSpanEvent(ctx, "durable.persist",
		attribute.String("store.op", op),
		attribute.Bool("store.ok", err == nil),
	)
	if err != nil {
		observability.LogStoreError(o.logger, o.meta.ID, op, err)
		return storeError(op, o.meta.ID, err)
	}
	return nil
}

// recordLocked builds the persisted form. Callers hold o.mu.
func (o *Object) recordLocked(state State, status Status, updated, activity time.Time) *store.Record {
	return &store.Record{
		ID:             o.meta.ID,
		TypeName:       o.meta.TypeName,
		Namespace:      o.meta.Namespace,
		Name:           o.meta.Name,
		State:          state,
		Status:         string(status),
		Version:        o.version,
		CreatedAt:      o.createdAt,
		UpdatedAt:      updated,
		LastActivityAt: activity,
	}
}

func (o *Object) newRequest(action string, data, metadata map[string]any) Request {
	return Request{
		ObjectID: o.meta.ID,
		Action:   action,
		Data:     store.CloneState(data),
		Metadata: store.CloneState(metadata),
		State:    o.State(),
		Instance: o.behavior,
		Events:   o.Events(),
	}
}

// snapshot returns a read-only view of the committed values.
func (o *Object) snapshot() *query.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return &query.Snapshot{
		ID:             o.meta.ID,
		TypeName:       o.meta.TypeName,
		Namespace:      o.meta.Namespace,
		Name:           o.meta.Name,
		Status:         string(o.status),
		Version:        o.version,
		State:          store.CloneState(o.state),
		CreatedAt:      o.createdAt,
		UpdatedAt:      o.updatedAt,
		LastActivityAt: o.lastActivityAt,
		Live:           true,
	}
}

func (o *Object) logOutcome(action string, err error, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000
	switch derrors.CodeOf(err) {
	case "":
		observability.LogRequestComplete(o.logger, o.meta.ID, action, ms)
	case derrors.CodeHandlerError, derrors.CodeStoreError, derrors.CodeTimeout:
		observability.LogRequestError(o.logger, o.meta.ID, action, err, ms)
	default:
		o.logger.Debug("request rejected",
			slog.String("action", action),
			slog.String("code", string(derrors.CodeOf(err))),
		)
	}
}

// storeError classifies a persistence failure as Timeout or StoreError.
func storeError(op, objectID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || derrors.Is(err, derrors.CodeTimeout) {
		return derrors.Timeout(op, objectID, err)
	}
	return derrors.Store(op, objectID, err)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// emitter is the Emitter handed to handlers and hooks.
type emitter struct {
	o *Object
}

func (e emitter) ID() string { return e.o.meta.ID }

func (e emitter) Publish(ctx context.Context, eventType string, payload map[string]any) (event.Event, error) {
	return e.o.deps.events.Publish(ctx, eventType, payload, e.o.meta.ID)
}

// Subscribe only accepts event types the object's type has a handler for;
// a delivery with no handler would be dropped silently.
func (e emitter) Subscribe(eventType string) error {
	if _, ok := e.o.typ.eventHandler(eventType); !ok {
		return derrors.Validation("event_type", fmt.Sprintf("no handler for %q", eventType))
	}
	return e.o.deps.events.Subscribe(e.o.meta.ID, eventType)
}

func (e emitter) Unsubscribe(eventType string) {
	e.o.deps.events.Unsubscribe(e.o.meta.ID, eventType)
}
