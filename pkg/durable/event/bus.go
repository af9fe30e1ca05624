package event

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/observability"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

// BusConfig configures bus behavior.
type BusConfig struct {
	// MailboxSize bounds pending events per subscriber; a full mailbox
	// drops the event for that subscriber.
	// Default: 0 (unbounded)
	MailboxSize int

	// DeliveryTimeout bounds one delivery when the publisher has no deadline.
	// Default: 10s
	DeliveryTimeout time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(evt Event, subscriberID string)

	// OnError is called when resolving or notifying a subscriber fails.
	OnError func(evt Event, subscriberID string, err error)

	// Now overrides the clock used for PublishedAt and event ids.
	Now func() time.Time
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	DeliveryTimeout: 10 * time.Second,
}

// Report summarizes a PublishAndWait fan-out.
type Report struct {
	Event     Event
	Delivered int
	Failed    int
	Dropped   int

	// Errors holds one entry per failed subscriber.
	Errors []*DeliveryError
}

// Bus is an in-process event bus delivering to durable objects by id.
type Bus struct {
	resolver Resolver
	config   BusConfig

	// mu guards the subscription table, the mailboxes and id entropy.
	// It is never held while a subscriber runs.
	mu        sync.Mutex
	byType    map[string]map[string]struct{} // event type -> subscriber ids
	byObject  map[string]map[string]struct{} // subscriber id -> event types
	mailboxes map[string]*mailbox
	entropy   io.Reader
	closed    bool

	drainers sync.WaitGroup
}

type mailbox struct {
	id      string
	queue   []*delivery
	running bool
}

type delivery struct {
	evt      Event
	parent   context.Context
	deadline time.Time
	waiter   *waiter
}

// NewBus creates a bus that resolves subscribers through resolver.
func NewBus(resolver Resolver, config BusConfig) *Bus {
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultBusConfig.DeliveryTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	if config.Spans == nil {
		config.Spans = observability.NoopSpanManager{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Bus{
		resolver:  resolver,
		config:    config,
		byType:    make(map[string]map[string]struct{}),
		byObject:  make(map[string]map[string]struct{}),
		mailboxes: make(map[string]*mailbox),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Subscribe adds objectID as a subscriber of eventType.
// Subscribing twice is a no-op.
func (b *Bus) Subscribe(objectID, eventType string) error {
	if objectID == "" {
		return derrors.Validation("objectID", "must not be empty")
	}
	if eventType == "" {
		return derrors.Validation("eventType", "must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	addEdge(b.byType, eventType, objectID)
	addEdge(b.byObject, objectID, eventType)
	return nil
}

// Unsubscribe removes objectID from eventType.
// An empty eventType removes every subscription held by objectID.
func (b *Bus) Unsubscribe(objectID, eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		for t := range b.byObject[objectID] {
			removeEdge(b.byType, t, objectID)
		}
		delete(b.byObject, objectID)
	} else {
		removeEdge(b.byType, eventType, objectID)
		removeEdge(b.byObject, objectID, eventType)
	}

	b.releaseMailboxLocked(objectID)
}

// Subscribers returns the ids subscribed to eventType, sorted.
func (b *Bus) Subscribers(eventType string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.byType[eventType])
}

// Subscriptions returns the event types objectID is subscribed to, sorted.
func (b *Bus) Subscriptions(objectID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.byObject[objectID])
}

// Publish fans evt out to the current subscribers and returns without
// waiting for delivery. Publishing with no subscribers is a no-op.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, sourceID string) (Event, error) {
	return b.enqueue(ctx, eventType, payload, sourceID, nil)
}

// PublishAndWait fans evt out and blocks until every delivery settles.
// If ctx expires first it returns the partial report and a Timeout error;
// deliveries already queued still run.
//
// Calling PublishAndWait from inside an event handler can deadlock on the
// handler's own mailbox. Handlers should use Publish.
func (b *Bus) PublishAndWait(ctx context.Context, eventType string, payload map[string]any, sourceID string) (Report, error) {
	w := newWaiter()
	evt, err := b.enqueue(ctx, eventType, payload, sourceID, w)
	if err != nil {
		return Report{Event: evt}, err
	}
	w.seal()

	select {
	case <-w.done:
		return w.report(evt), nil
	case <-ctx.Done():
		select {
		case <-w.done:
			return w.report(evt), nil
		default:
		}
		return w.report(evt), derrors.Timeout("publish", sourceID, ctx.Err())
	}
}

func (b *Bus) enqueue(ctx context.Context, eventType string, payload map[string]any, sourceID string, w *waiter) (Event, error) {
	if eventType == "" {
		return Event{}, derrors.Validation("eventType", "must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return Event{}, derrors.Timeout("publish", sourceID, err)
	}

	deadline, _ := ctx.Deadline()
	parent := context.WithoutCancel(ctx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrBusClosed
	}

	now := b.config.Now()
	evt := Event{
		ID:          ulid.MustNew(ulid.Timestamp(now), b.entropy).String(),
		Type:        eventType,
		Payload:     store.CloneState(payload),
		SourceID:    sourceID,
		PublishedAt: now,
	}

	// Enqueueing under mu fixes per-subscriber order to publish order.
	var full []string
	for _, id := range sortedKeys(b.byType[eventType]) {
		mb := b.mailboxes[id]
		if mb == nil {
			mb = &mailbox{id: id}
			b.mailboxes[id] = mb
		}

		if b.config.MailboxSize > 0 && len(mb.queue) >= b.config.MailboxSize {
			full = append(full, id)
			w.rejected()
			continue
		}

		w.expect()
		mb.queue = append(mb.queue, &delivery{evt: evt, parent: parent, deadline: deadline, waiter: w})

		if !mb.running {
			mb.running = true
			b.drainers.Add(1)
			go b.drain(mb)
		}
	}
	b.mu.Unlock()

	for _, id := range full {
		b.dropped(ctx, evt, id)
	}
	return evt, nil
}

// drain delivers a mailbox's queue in order, then exits.
// At most one drainer runs per mailbox.
func (b *Bus) drain(mb *mailbox) {
	defer b.drainers.Done()

	for {
		b.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			b.releaseMailboxLocked(mb.id)
			b.mu.Unlock()
			return
		}
		d := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		b.mu.Unlock()

		b.deliver(mb.id, d)
	}
}

func (b *Bus) deliver(subscriberID string, d *delivery) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d.deadline.IsZero() {
		ctx, cancel = context.WithTimeout(d.parent, b.config.DeliveryTimeout)
	} else {
		ctx, cancel = context.WithDeadline(d.parent, d.deadline)
	}
	defer cancel()

	if ctx.Err() != nil {
		b.dropped(ctx, d.evt, subscriberID)
		d.waiter.add(outcomeDropped, nil)
		return
	}

	ctx, span := b.config.Spans.StartDeliverySpan(ctx, d.evt.Type, subscriberID)
	err := b.notify(ctx, subscriberID, d.evt)
	b.config.Spans.EndSpanWithError(span, err)
	b.config.Metrics.RecordDelivery(ctx, d.evt.Type, err)

	if err != nil {
		derr := &DeliveryError{
			EventID:      d.evt.ID,
			EventType:    d.evt.Type,
			SubscriberID: subscriberID,
			Err:          err,
		}
		observability.LogDeliveryError(b.config.Logger, d.evt.Type, subscriberID, err)
		if b.config.OnError != nil {
			b.config.OnError(d.evt, subscriberID, err)
		}
		d.waiter.add(outcomeFailed, derr)
		return
	}
	d.waiter.add(outcomeDelivered, nil)
}

// notify resolves the subscriber and runs its handler, converting panics to errors.
func (b *Bus) notify(ctx context.Context, subscriberID string, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()

	sub, err := b.resolver.ResolveSubscriber(ctx, subscriberID)
	if err != nil {
		return err
	}

	// Subscribers get their own payload copy.
	evt.Payload = store.CloneState(evt.Payload)
	return sub.HandleEvent(ctx, evt)
}

func (b *Bus) dropped(ctx context.Context, evt Event, subscriberID string) {
	observability.LogEventDropped(b.config.Logger, evt.Type, subscriberID)
	b.config.Metrics.RecordDrop(ctx, evt.Type)
	if b.config.OnDrop != nil {
		b.config.OnDrop(evt, subscriberID)
	}
}

// releaseMailboxLocked forgets an idle mailbox once its owner has no subscriptions.
func (b *Bus) releaseMailboxLocked(id string) {
	if len(b.byObject[id]) > 0 {
		return
	}
	if mb := b.mailboxes[id]; mb != nil && !mb.running && len(mb.queue) == 0 {
		delete(b.mailboxes, id)
	}
}

// Close rejects further publishes and subscriptions, then waits for queued
// deliveries to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.drainers.Wait()
	return nil
}

func addEdge(m map[string]map[string]struct{}, from, to string) {
	set := m[from]
	if set == nil {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func removeEdge(m map[string]map[string]struct{}, from, to string) {
	set := m[from]
	if set == nil {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeDropped
)

// waiter collects delivery outcomes for PublishAndWait.
type waiter struct {
	mu        sync.Mutex
	pending   int
	sealed    bool
	delivered int
	failed    int
	dropped   int
	errs      []*DeliveryError
	done      chan struct{}
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) expect() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
}

// rejected records a drop at enqueue time, which was never expected.
func (w *waiter) rejected() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.dropped++
	w.mu.Unlock()
}

// add records the outcome of an expected delivery.
func (w *waiter) add(o outcome, err *DeliveryError) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	switch o {
	case outcomeDelivered:
		w.delivered++
		w.pending--
	case outcomeFailed:
		w.failed++
		w.errs = append(w.errs, err)
		w.pending--
	case outcomeDropped:
		w.dropped++
		w.pending--
	}
	w.maybeDoneLocked()
}

// seal marks the end of enqueueing; done can fire from here on.
func (w *waiter) seal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealed = true
	w.maybeDoneLocked()
}

func (w *waiter) maybeDoneLocked() {
	if w.sealed && w.pending == 0 {
		select {
		case <-w.done:
		default:
			close(w.done)
		}
	}
}

func (w *waiter) report(evt Event) Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Report{
		Event:     evt,
		Delivered: w.delivered,
		Failed:    w.failed,
		Dropped:   w.dropped,
		Errors:    append([]*DeliveryError(nil), w.errs...),
	}
}
