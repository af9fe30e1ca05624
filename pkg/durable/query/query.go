// Package query provides read-only inspection of durable objects.
//
// Queries never wake, hydrate into the cache, or mutate an object. They run
// against a Snapshot: the live instance's view if it is cached, otherwise
// the persisted record.
//
// Common use cases:
//   - Get an object's lifecycle status
//   - Read one state field without routing an action
//   - List an object's event subscriptions
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

// Snapshot is a point-in-time, read-only view of one object.
type Snapshot struct {
	ID             string         `json:"id"`
	TypeName       string         `json:"typeName"`
	Namespace      string         `json:"namespace"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	State          map[string]any `json:"state"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`

	// Live reports whether the snapshot came from a cached instance.
	Live bool `json:"live"`

	// Subscriptions lists the event types the object is subscribed to.
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// Handler answers a query from a snapshot.
// Handlers must not retain or modify the snapshot.
type Handler func(ctx context.Context, snap *Snapshot, args any) (any, error)

// SnapshotLoader retrieves the snapshot for an object id.
// It returns a NotFound error for unknown ids.
type SnapshotLoader func(ctx context.Context, id string) (*Snapshot, error)

// ErrQueryNotFound is returned when a query handler doesn't exist.
var ErrQueryNotFound = errors.New("query not found")

// Registry manages query handlers by query name.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a new query registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a query name.
func (r *Registry) Register(queryName string, handler Handler) error {
	if queryName == "" {
		return derrors.Config("query name is required")
	}
	if handler == nil {
		return derrors.Config("query handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[queryName]; exists {
		return derrors.Config(fmt.Sprintf("handler for query %q already registered", queryName))
	}

	r.handlers[queryName] = handler
	return nil
}

// Get returns the handler for a query name.
func (r *Registry) Get(queryName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[queryName]
	return handler, exists
}

// List returns all registered query names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Executor runs queries against objects.
type Executor struct {
	registry *Registry
	loader   SnapshotLoader
}

// NewExecutor creates a new query executor.
func NewExecutor(registry *Registry, loader SnapshotLoader) *Executor {
	return &Executor{
		registry: registry,
		loader:   loader,
	}
}

// Execute runs a query against an object.
func (e *Executor) Execute(ctx context.Context, objectID, queryName string, args any) (any, error) {
	if objectID == "" {
		return nil, derrors.Validation("objectID", "must not be empty")
	}
	if queryName == "" {
		return nil, derrors.Validation("query", "must not be empty")
	}

	handler, exists := e.registry.Get(queryName)
	if !exists {
		return nil, &derrors.Error{
			Code:     derrors.CodeValidation,
			Op:       "query",
			ObjectID: objectID,
			Message:  fmt.Sprintf("unknown query %q", queryName),
			Err:      ErrQueryNotFound,
		}
	}

	snap, err := e.loader(ctx, objectID)
	if err != nil {
		return nil, err
	}
	return handler(ctx, snap, args)
}

// Built-in query names.
const (
	QueryStatus        = "status"        // Returns lifecycle status
	QueryState         = "state"         // Returns a copy of the full state
	QueryField         = "field"         // Returns one state field; args is the field name
	QueryMetadata      = "metadata"      // Returns the record without state
	QuerySubscriptions = "subscriptions" // Returns subscribed event types
)

// RegisterBuiltins registers the standard query handlers.
func RegisterBuiltins(registry *Registry) error {
	builtins := map[string]Handler{
		QueryStatus: func(_ context.Context, snap *Snapshot, _ any) (any, error) {
			return snap.Status, nil
		},
		QueryState: func(_ context.Context, snap *Snapshot, _ any) (any, error) {
			return snap.State, nil
		},
		QueryField: func(_ context.Context, snap *Snapshot, args any) (any, error) {
			name, ok := args.(string)
			if !ok || name == "" {
				return nil, derrors.Validation("field", "query argument must be a field name")
			}
			val, exists := snap.State[name]
			if !exists {
				return nil, derrors.Validation("field", fmt.Sprintf("%q not found", name))
			}
			return val, nil
		},
		QueryMetadata: func(_ context.Context, snap *Snapshot, _ any) (any, error) {
			return map[string]any{
				"id":             snap.ID,
				"typeName":       snap.TypeName,
				"namespace":      snap.Namespace,
				"name":           snap.Name,
				"status":         snap.Status,
				"version":        snap.Version,
				"createdAt":      snap.CreatedAt,
				"updatedAt":      snap.UpdatedAt,
				"lastActivityAt": snap.LastActivityAt,
				"live":           snap.Live,
			}, nil
		},
		QuerySubscriptions: func(_ context.Context, snap *Snapshot, _ any) (any, error) {
			return append([]string{}, snap.Subscriptions...), nil
		},
	}

	for name, handler := range builtins {
		if err := registry.Register(name, handler); err != nil {
			return fmt.Errorf("register builtin query %q: %w", name, err)
		}
	}

	return nil
}

// Result wraps a query result with metadata.
type Result struct {
	QueryName string `json:"query_name"`
	TargetID  string `json:"target_id"`
	Value     any    `json:"value"`

	// Error is the failure code, if the query failed.
	Error string `json:"error,omitempty"`
}

// ExecuteMultiple runs several queries against one object, ordered by name.
// Returns results for all queries, including any that failed.
func (e *Executor) ExecuteMultiple(ctx context.Context, objectID string, queries map[string]any) []Result {
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, 0, len(queries))
	for _, name := range names {
		result := Result{QueryName: name, TargetID: objectID}

		value, err := e.Execute(ctx, objectID, name, queries[name])
		if err != nil {
			result.Error = string(derrors.CodeOf(err))
		} else {
			result.Value = value
		}
		results = append(results, result)
	}
	return results
}
