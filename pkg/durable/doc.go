/*
Package durable provides addressable, stateful objects with a persisted
record, a lifecycle state machine and isolated event delivery.

# Overview

A durable object is a single-owner actor identified by an id. Its state is
private; it changes only through actions routed to the object, and every
successful change is written through to a store.Store before it becomes
visible. The Registry guarantees at most one live instance per id in the
process, hydrating objects from the store on demand.

# Basic Usage

Register a type with an explicit action table, then create and route:

	rt := durable.New(store.NewMemoryStore())
	defer rt.Close()

	err := rt.RegisterType("Counter", newCounter, durable.ActionTable{
	    "increment": func(ctx context.Context, req durable.Request) (durable.Reply, error) {
	        n := req.State.Int("count") + 1
	        return durable.Reply{
	            State:  req.State.With("count", n),
	            Result: map[string]any{"count": n},
	        }, nil
	    },
	})

	id, _ := rt.Registry.Create(ctx, "Counter", "ns1", "c1", map[string]any{"count": 0})
	resp := rt.Router.Route(ctx, id, "increment", nil, nil)
	// resp.Success == true, resp.Data["count"] == 1

Handlers receive a private copy of the state and return the replacement in
Reply. A handler that fails or panics leaves the object unchanged.

# Lifecycle

	initializing -> active <-> idle -> hibernating -> active (wake)
	active/idle/hibernating -> terminating -> terminated

Idle and hibernating transitions are driven by Registry.Sweep, which
Runtime.Start runs periodically. Hibernation flushes state first. The next
request or event wakes the object and re-runs its Initializer. Requests to a
terminating or terminated object return InvalidState.

Every type answers the built-in actions "ping", "status" and "hibernate".

# Events

Types declare event handlers with WithEventHandlers; instances subscribe
when they initialize or wake. Handlers publish through Request.Events:

	req.Events.Publish(ctx, "order.created", map[string]any{"order": id})

Delivery is asynchronous, at-most-once and FIFO per subscriber. A failing
subscriber never affects the publisher or other subscribers.

# Errors

Every failure carries a code from package errors (UnknownType, NotFound,
InvalidState, UnknownAction, HandlerError, ValidationError, StoreError,
Timeout, ConfigError). The Router returns them as Response values:

	resp := rt.Router.Route(ctx, "missing-id", "ping", nil, nil)
	// resp.Success == false, resp.Error == "NotFound"

When a handler succeeds but its write fails, the default
DivergeOnStoreError policy keeps the new state in memory and returns
StoreError. Use WithStoreFailurePolicy(RollbackOnStoreError) to keep the
previous state instead.
*/
package durable
