package event

import (
	"context"
	"time"
)

// Event is one published occurrence.
type Event struct {
	// ID is a ULID, sortable by publish time.
	ID string `json:"id"`

	// Type selects subscribers (e.g. "order.created").
	Type string `json:"type"`

	// Payload is the event body. Each subscriber receives its own copy.
	Payload map[string]any `json:"payload"`

	// SourceID is the publishing object's id, if any.
	SourceID string `json:"sourceId,omitempty"`

	PublishedAt time.Time `json:"publishedAt"`
}

// Metadata returns the envelope fields handlers commonly log or forward.
func (e Event) Metadata() map[string]any {
	return map[string]any{
		"event_id":   e.ID,
		"event_type": e.Type,
		"timestamp":  e.PublishedAt.UTC().Format(time.RFC3339Nano),
		"source_id":  e.SourceID,
	}
}

// Subscriber receives delivered events.
type Subscriber interface {
	HandleEvent(ctx context.Context, evt Event) error
}

// Resolver turns a subscriber id into a live Subscriber.
// Implementations may hydrate or wake the subscriber.
type Resolver interface {
	ResolveSubscriber(ctx context.Context, id string) (Subscriber, error)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, evt Event) error

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Publisher is the capability an object uses to emit events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, sourceID string) (Event, error)
}

// Subscriptions is the capability an object uses to manage its own subscriptions.
type Subscriptions interface {
	Subscribe(objectID, eventType string) error
	Unsubscribe(objectID, eventType string)
	Subscriptions(objectID string) []string
}
