package durable

import (
	"context"
	"time"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/query"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

// Router is the request entry point for external callers such as an HTTP
// layer. It resolves objects through the Registry and wraps every outcome
// in a Response; it holds no business logic of its own.
type Router struct {
	registry *Registry
	queries  *query.Executor
	timeout  time.Duration
}

// NewRouter creates a router over reg. queries may be nil, in which case
// Query answers with a validation error.
func NewRouter(reg *Registry, queries *query.Executor) *Router {
	return &Router{
		registry: reg,
		queries:  queries,
		timeout:  reg.opts.requestTimeout,
	}
}

// Route resolves objectID and forwards action to it.
//
//	resp := router.Route(ctx, id, "increment", nil, nil)
//	if !resp.Success {
//	    log.Printf("%s: %s", resp.Error, resp.Message)
//	}
func (rt *Router) Route(ctx context.Context, objectID, action string, data, metadata map[string]any) Response {
	ctx, cancel := rt.bound(ctx)
	defer cancel()

	obj, err := rt.registry.Get(ctx, objectID)
	if err != nil {
		return Envelope(nil, err)
	}
	return Envelope(obj.ProcessRequest(ctx, action, data, metadata))
}

// Query runs a read-only query against objectID without waking it.
// The answer is returned under Data["value"].
func (rt *Router) Query(ctx context.Context, objectID, name string, args any) Response {
	if rt.queries == nil {
		return Envelope(nil, derrors.Validation("query", "queries are not enabled"))
	}
	ctx, cancel := rt.bound(ctx)
	defer cancel()

	value, err := rt.queries.Execute(ctx, objectID, name, args)
	if err != nil {
		return Envelope(nil, err)
	}
	return Envelope(map[string]any{"query": name, "value": value}, nil)
}

// Create creates an object and returns its id under Data["id"].
func (rt *Router) Create(ctx context.Context, typeName, namespace, name string, initial map[string]any) Response {
	ctx, cancel := rt.bound(ctx)
	defer cancel()

	id, err := rt.registry.Create(ctx, typeName, namespace, name, initial)
	if err != nil {
		return Envelope(nil, err)
	}
	return Envelope(map[string]any{"id": id}, nil)
}

// Get returns an object's metadata and state.
func (rt *Router) Get(ctx context.Context, objectID string) Response {
	ctx, cancel := rt.bound(ctx)
	defer cancel()

	obj, err := rt.registry.Get(ctx, objectID)
	if err != nil {
		return Envelope(nil, err)
	}
	return Envelope(describe(obj), nil)
}

// Update shallow-merges partial into an object's state.
func (rt *Router) Update(ctx context.Context, objectID string, partial map[string]any) Response {
	ctx, cancel := rt.bound(ctx)
	defer cancel()

	obj, err := rt.registry.Update(ctx, objectID, partial)
	if err != nil {
		return Envelope(nil, err)
	}
	return Envelope(describe(obj), nil)
}

// Delete retires an object. Data["deleted"] is false if it did not exist.
func (rt *Router) Delete(ctx context.Context, objectID string) Response {
	ctx, cancel := rt.bound(ctx)
	defer cancel()

	deleted, err := rt.registry.Delete(ctx, objectID)
	if err != nil {
		return Envelope(nil, err)
	}
	return Envelope(map[string]any{"deleted": deleted}, nil)
}

// List returns record metadata under Data["objects"].
func (rt *Router) List(ctx context.Context, filter store.Filter) Response {
	ctx, cancel := rt.bound(ctx)
	defer cancel()

	infos, err := rt.registry.List(ctx, filter)
	if err != nil {
		return Envelope(nil, err)
	}
	return Envelope(map[string]any{"objects": infos}, nil)
}

// bound applies the request timeout when ctx has no deadline.
func (rt *Router) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || rt.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, rt.timeout)
}

func describe(obj *Object) map[string]any {
	snap := obj.snapshot()
	return map[string]any{
		"id":             snap.ID,
		"typeName":       snap.TypeName,
		"namespace":      snap.Namespace,
		"name":           snap.Name,
		"status":         snap.Status,
		"version":        snap.Version,
		"state":          snap.State,
		"lastActivityAt": snap.LastActivityAt,
	}
}
