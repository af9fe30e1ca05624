package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/event"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

// DefaultVersion is the type version recorded when none is configured.
const DefaultVersion = "1.0.0"

// Built-in actions every type answers.
const (
	ActionPing      = "ping"
	ActionHibernate = "hibernate"
	ActionStatus    = "status"
)

// State is an object's private, JSON-like state.
type State map[string]any

// Clone returns a deep copy of s.
func (s State) Clone() State {
	return State(store.CloneState(s))
}

// Int reads a numeric field as an int.
// State that went through a JSON store holds float64 numbers, so every
// numeric representation is accepted. Missing or non-numeric fields read as 0.
func (s State) Int(key string) int {
	n, _ := toInt(s[key])
	return n
}

// String reads a string field. Missing or non-string fields read as "".
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Bool reads a bool field. Missing or non-bool fields read as false.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// With returns a copy of s with key set to value.
func (s State) With(key string, value any) State {
	out := s.Clone()
	if out == nil {
		out = State{}
	}
	out[key] = value
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	}
	return 0, false
}

// Meta identifies an instance to its Factory.
type Meta struct {
	ID        string
	TypeName  string
	Namespace string
	Name      string
}

// Behavior is the value a Factory builds for each live instance. It holds
// runtime-only resources and may implement Initializer, Hibernator or
// Terminator to take part in the lifecycle.
type Behavior any

// Factory builds the Behavior for one instance. It is called exactly once
// per live instance.
type Factory func(meta Meta) Behavior

// Initializer is called when an instance is created, hydrated or woken.
// It re-acquires runtime-only resources such as event subscriptions.
type Initializer interface {
	Initialize(ctx context.Context, self Emitter, state State) error
}

// Hibernator is called before an instance is flushed into hibernation.
type Hibernator interface {
	Hibernate(ctx context.Context, state State) error
}

// Terminator is called once an instance is marked terminating.
type Terminator interface {
	Terminate(ctx context.Context, state State) error
}

// Emitter is the event capability an object holds. It never exposes the
// registry or other objects.
type Emitter interface {
	// ID returns the owning object's id.
	ID() string

	// Publish emits an event with the owning object as its source.
	Publish(ctx context.Context, eventType string, payload map[string]any) (event.Event, error)

	// Subscribe adds the owning object as a subscriber of eventType.
	// The type must declare a handler for eventType, otherwise Subscribe
	// returns ValidationError.
	Subscribe(eventType string) error

	// Unsubscribe removes a subscription. An empty eventType removes all.
	Unsubscribe(eventType string)
}

// Request is what an action or event handler receives.
type Request struct {
	ObjectID string
	Action   string
	Data     map[string]any
	Metadata map[string]any

	// State is a private copy; handlers return the new state in Reply.
	State State

	// Instance is the Behavior built by the type's Factory.
	Instance Behavior

	// Events lets the handler publish and manage subscriptions.
	Events Emitter

	// Event is set when the request is an event delivery.
	Event *event.Event
}

// Reply is a handler's successful outcome.
type Reply struct {
	// State replaces the object's state. Nil keeps the current state.
	State State

	// Result is returned to the caller.
	Result map[string]any
}

// ActionFunc handles one action or event type.
// The returned state is swapped in as a whole only after it is persisted,
// so a failing handler never leaves a partial mutation behind.
type ActionFunc func(ctx context.Context, req Request) (Reply, error)

// ActionTable maps action names to handlers.
type ActionTable map[string]ActionFunc

// Middleware wraps an ActionFunc.
type Middleware func(next ActionFunc) ActionFunc

// Chain applies middleware in order, with the first middleware outermost.
func Chain(handler ActionFunc, middleware ...Middleware) ActionFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// ObjectType is a registered type: its factory plus compiled dispatch tables.
type ObjectType struct {
	Name    string
	Version string

	factory    Factory
	actions    ActionTable
	events     ActionTable
	middleware []Middleware
}

// TypeOption configures a type at registration.
type TypeOption func(*ObjectType)

// WithEventHandlers sets the handlers for delivered events. Each instance
// subscribes to these event types when it initializes or wakes.
func WithEventHandlers(handlers ActionTable) TypeOption {
	return func(t *ObjectType) {
		t.events = handlers
	}
}

// WithVersion sets the version recorded on the type's records.
// Default: "1.0.0"
func WithVersion(version string) TypeOption {
	return func(t *ObjectType) {
		if version != "" {
			t.Version = version
		}
	}
}

// WithTypeMiddleware wraps every action and event handler of the type.
func WithTypeMiddleware(middleware ...Middleware) TypeOption {
	return func(t *ObjectType) {
		t.middleware = append(t.middleware, middleware...)
	}
}

// Actions returns the type's action names, sorted, including built-ins.
func (t *ObjectType) Actions() []string {
	names := []string{ActionPing, ActionHibernate, ActionStatus}
	for name := range t.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EventTypes returns the event types the type handles, sorted.
func (t *ObjectType) EventTypes() []string {
	names := make([]string, 0, len(t.events))
	for name := range t.events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *ObjectType) action(name string) (ActionFunc, bool) {
	fn, ok := t.actions[name]
	return fn, ok
}

func (t *ObjectType) eventHandler(eventType string) (ActionFunc, bool) {
	fn, ok := t.events[eventType]
	return fn, ok
}

// sameFactory reports whether two registrations share a factory function.
// Closures of one function literal share a code pointer and compare equal.
func (t *ObjectType) sameFactory(f Factory) bool {
	return reflect.ValueOf(t.factory).Pointer() == reflect.ValueOf(f).Pointer()
}

// newObjectType validates a registration and compiles its dispatch tables.
func newObjectType(name string, factory Factory, actions ActionTable, opts []TypeOption, shared []Middleware) (*ObjectType, error) {
	if name == "" {
		return nil, derrors.Config("type name must not be empty")
	}
	if factory == nil {
		return nil, derrors.Config(fmt.Sprintf("type %q: factory must not be nil", name))
	}

	t := &ObjectType{Name: name, Version: DefaultVersion, factory: factory}
	for _, opt := range opts {
		opt(t)
	}

	mw := append(append([]Middleware{}, shared...), t.middleware...)

	compiled, err := compileTable(name, "action", actions, mw, true)
	if err != nil {
		return nil, err
	}
	t.actions = compiled

	compiled, err = compileTable(name, "event", t.events, mw, false)
	if err != nil {
		return nil, err
	}
	t.events = compiled

	return t, nil
}

func compileTable(typeName, kind string, table ActionTable, mw []Middleware, reserveBuiltins bool) (ActionTable, error) {
	out := make(ActionTable, len(table))
	for name, fn := range table {
		if name == "" {
			return nil, derrors.Config(fmt.Sprintf("type %q: empty %s name", typeName, kind))
		}
		if fn == nil {
			return nil, derrors.Config(fmt.Sprintf("type %q: %s %q has no handler", typeName, kind, name))
		}
		if reserveBuiltins && isBuiltin(name) {
			return nil, derrors.Config(fmt.Sprintf("type %q: action %q is built in", typeName, name))
		}
		out[name] = Chain(fn, mw...)
	}
	return out, nil
}

func isBuiltin(action string) bool {
	switch action {
	case ActionPing, ActionHibernate, ActionStatus:
		return true
	}
	return false
}
