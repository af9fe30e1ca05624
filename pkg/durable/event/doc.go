// Package event provides publish/subscribe fan-out between durable objects.
//
// # Overview
//
// The Bus keeps a subscription table (event type -> object ids) and a
// mailbox per subscriber. Publish snapshots the subscribers for the event
// type at call time and appends the event to each subscriber's mailbox;
// a drainer goroutine per busy mailbox resolves the subscriber through a
// Resolver and invokes its HandleEvent.
//
// # Guarantees
//
//   - Per-subscriber FIFO: one subscriber sees events in publish order.
//   - At-most-once: no retry, no persistence, no replay to late subscribers.
//   - Isolation: a failing or missing subscriber is logged and skipped.
//
// No ordering is promised across subscribers.
//
// # Capabilities
//
// The bus never sees the object registry. It is handed a Resolver, which
// turns an object id into a Subscriber, hydrating or waking it if needed:
//
//	bus := event.NewBus(registry, event.BusConfig{MailboxSize: 1024})
//	bus.Subscribe("obj-1", "order.created")
//	bus.Publish(ctx, "order.created", map[string]any{"id": 7}, "obj-2")
//
// Objects see the bus only through the Publisher and Subscriptions
// interfaces.
//
// # Deadlines
//
// Deliveries run detached from the publisher's cancellation but keep its
// deadline. Without a deadline each delivery gets BusConfig.DeliveryTimeout.
// PublishAndWait blocks until every delivery settles or ctx expires.
package event
