package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/event"
)

// fakeResolver resolves ids from a fixed table; unknown ids fail like a deleted object.
type fakeResolver struct {
	mu   sync.Mutex
	subs map[string]event.Subscriber
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{subs: make(map[string]event.Subscriber)}
}

func (r *fakeResolver) set(id string, s event.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = s
}

func (r *fakeResolver) ResolveSubscriber(_ context.Context, id string) (event.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, derrors.NotFound("resolve", id)
	}
	return s, nil
}

// recorder is a subscriber that remembers what it received.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) HandleEvent(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) received() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func newBus(t *testing.T, res event.Resolver, cfg event.BusConfig) *event.Bus {
	t.Helper()
	bus := event.NewBus(res, cfg)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestBusPublishNoSubscribers(t *testing.T) {
	bus := newBus(t, newFakeResolver(), event.BusConfig{})

	evt, err := bus.Publish(context.Background(), "x", map[string]any{"a": 1}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.ID == "" || evt.Type != "x" || evt.PublishedAt.IsZero() {
		t.Errorf("unexpected event envelope: %+v", evt)
	}

	report, err := bus.PublishAndWait(context.Background(), "x", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Delivered != 0 || report.Failed != 0 || report.Dropped != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
}

func TestBusFailureIsolation(t *testing.T) {
	res := newFakeResolver()
	healthy := &recorder{}
	res.set("healthy", healthy)
	res.set("failing", event.SubscriberFunc(func(context.Context, event.Event) error {
		return errors.New("handler raised")
	}))
	res.set("panicking", event.SubscriberFunc(func(context.Context, event.Event) error {
		panic("boom")
	}))

	var onError atomic.Int32
	bus := newBus(t, res, event.BusConfig{
		OnError: func(event.Event, string, error) { onError.Add(1) },
	})

	for _, id := range []string{"failing", "healthy", "panicking", "deleted"} {
		if err := bus.Subscribe(id, "x"); err != nil {
			t.Fatalf("subscribe %s: %v", id, err)
		}
	}

	report, err := bus.PublishAndWait(context.Background(), "x", map[string]any{"n": 1}, "src")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", report.Delivered)
	}
	if report.Failed != 3 {
		t.Errorf("expected 3 failed, got %d", report.Failed)
	}
	if len(report.Errors) != 3 {
		t.Errorf("expected 3 delivery errors, got %d", len(report.Errors))
	}
	if onError.Load() != 3 {
		t.Errorf("expected OnError 3 times, got %d", onError.Load())
	}
	if got := healthy.received(); len(got) != 1 || got[0].SourceID != "src" {
		t.Errorf("healthy subscriber got %+v", got)
	}

	for _, de := range report.Errors {
		if de.SubscriberID == "deleted" && !derrors.Is(de, derrors.CodeNotFound) {
			t.Errorf("expected NotFound for deleted subscriber, got %v", de.Err)
		}
	}
}

func TestBusPerSubscriberFIFO(t *testing.T) {
	res := newFakeResolver()
	fast := &recorder{}
	slow := &recorder{}
	res.set("fast", fast)
	res.set("slow", event.SubscriberFunc(func(ctx context.Context, evt event.Event) error {
		time.Sleep(time.Millisecond)
		return slow.HandleEvent(ctx, evt)
	}))

	bus := newBus(t, res, event.BusConfig{})
	bus.Subscribe("fast", "tick")
	bus.Subscribe("slow", "tick")

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := bus.Publish(context.Background(), "tick", map[string]any{"seq": i}, ""); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if _, err := bus.PublishAndWait(context.Background(), "tick", map[string]any{"seq": n}, ""); err != nil {
		t.Fatalf("publish barrier: %v", err)
	}

	for name, r := range map[string]*recorder{"fast": fast, "slow": slow} {
		got := r.received()
		if len(got) != n+1 {
			t.Fatalf("%s: expected %d events, got %d", name, n+1, len(got))
		}
		for i, evt := range got {
			if evt.Payload["seq"] != i {
				t.Errorf("%s: position %d has seq %v", name, i, evt.Payload["seq"])
				break
			}
			if i > 0 && got[i-1].ID >= evt.ID {
				t.Errorf("%s: event ids not increasing at %d", name, i)
				break
			}
		}
	}
}

func TestBusNoReplay(t *testing.T) {
	res := newFakeResolver()
	late := &recorder{}
	res.set("late", late)
	bus := newBus(t, res, event.BusConfig{})

	bus.Publish(context.Background(), "x", map[string]any{"n": 1}, "")

	bus.Subscribe("late", "x")
	if _, err := bus.PublishAndWait(context.Background(), "x", map[string]any{"n": 2}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := late.received()
	if len(got) != 1 || got[0].Payload["n"] != 2 {
		t.Errorf("late subscriber should only see the second event, got %+v", got)
	}
}

func TestBusSubscriptionBookkeeping(t *testing.T) {
	bus := newBus(t, newFakeResolver(), event.BusConfig{})

	if err := bus.Subscribe("", "x"); !derrors.Is(err, derrors.CodeValidation) {
		t.Errorf("expected ValidationError for empty id, got %v", err)
	}
	if err := bus.Subscribe("a", ""); !derrors.Is(err, derrors.CodeValidation) {
		t.Errorf("expected ValidationError for empty type, got %v", err)
	}

	bus.Subscribe("a", "x")
	bus.Subscribe("a", "x") // idempotent
	bus.Subscribe("a", "y")
	bus.Subscribe("b", "x")

	if got := bus.Subscribers("x"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected subscribers for x: %v", got)
	}
	if got := bus.Subscriptions("a"); len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("unexpected subscriptions for a: %v", got)
	}

	bus.Unsubscribe("a", "x")
	if got := bus.Subscribers("x"); len(got) != 1 || got[0] != "b" {
		t.Errorf("expected only b on x, got %v", got)
	}

	bus.Unsubscribe("a", "")
	if got := bus.Subscriptions("a"); len(got) != 0 {
		t.Errorf("expected no subscriptions for a, got %v", got)
	}
	if got := bus.Subscribers("y"); len(got) != 0 {
		t.Errorf("expected no subscribers for y, got %v", got)
	}

	bus.Unsubscribe("nobody", "") // no-op
}

func TestBusMailboxOverflowDrops(t *testing.T) {
	res := newFakeResolver()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var handled atomic.Int32
	res.set("busy", event.SubscriberFunc(func(context.Context, event.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		handled.Add(1)
		return nil
	}))

	var drops atomic.Int32
	bus := newBus(t, res, event.BusConfig{
		MailboxSize: 1,
		OnDrop:      func(event.Event, string) { drops.Add(1) },
	})
	bus.Subscribe("busy", "x")

	bus.Publish(context.Background(), "x", nil, "")
	<-started // first event is being handled, mailbox is empty

	bus.Publish(context.Background(), "x", nil, "") // fills the mailbox
	report, err := bus.PublishAndWait(context.Background(), "x", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Dropped != 1 {
		t.Errorf("expected third event dropped, got %+v", report)
	}
	if drops.Load() != 1 {
		t.Errorf("expected OnDrop once, got %d", drops.Load())
	}

	close(release)
	bus.Close()
	if handled.Load() != 2 {
		t.Errorf("expected 2 handled events, got %d", handled.Load())
	}
}

func TestBusDeliveryDetachedFromPublisherCancel(t *testing.T) {
	res := newFakeResolver()
	errs := make(chan error, 1)
	res.set("a", event.SubscriberFunc(func(ctx context.Context, _ event.Event) error {
		time.Sleep(10 * time.Millisecond)
		errs <- ctx.Err()
		return nil
	}))

	bus := newBus(t, res, event.BusConfig{})
	bus.Subscribe("a", "x")

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, "x", nil, "")
	cancel()

	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("delivery context canceled by publisher: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusExpiredDeliveryDropped(t *testing.T) {
	res := newFakeResolver()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var handled atomic.Int32
	res.set("a", event.SubscriberFunc(func(context.Context, event.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		handled.Add(1)
		return nil
	}))

	var drops atomic.Int32
	bus := newBus(t, res, event.BusConfig{
		OnDrop: func(event.Event, string) { drops.Add(1) },
	})
	bus.Subscribe("a", "x")

	bus.Publish(context.Background(), "x", nil, "")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	bus.Publish(ctx, "x", nil, "")

	time.Sleep(30 * time.Millisecond)
	close(release)
	bus.Close()

	if handled.Load() != 1 {
		t.Errorf("expected only the first event handled, got %d", handled.Load())
	}
	if drops.Load() != 1 {
		t.Errorf("expected the expired delivery to be dropped, got %d", drops.Load())
	}
}

func TestBusPublishAndWaitTimeout(t *testing.T) {
	res := newFakeResolver()
	release := make(chan struct{})
	res.set("slow", event.SubscriberFunc(func(context.Context, event.Event) error {
		<-release
		return nil
	}))

	bus := newBus(t, res, event.BusConfig{})
	bus.Subscribe("slow", "x")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bus.PublishAndWait(ctx, "x", nil, "")
	if !derrors.Is(err, derrors.CodeTimeout) {
		t.Errorf("expected Timeout, got %v", err)
	}
	close(release)
}

func TestBusPayloadIsolation(t *testing.T) {
	res := newFakeResolver()
	observed := &recorder{}
	res.set("mutator", event.SubscriberFunc(func(_ context.Context, evt event.Event) error {
		evt.Payload["n"] = 99
		return nil
	}))
	res.set("observer", observed)

	bus := newBus(t, res, event.BusConfig{})
	bus.Subscribe("mutator", "x")
	bus.Subscribe("observer", "x")

	payload := map[string]any{"n": 1}
	if _, err := bus.PublishAndWait(context.Background(), "x", payload, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload["n"] = 2

	if got := observed.received(); len(got) != 1 || got[0].Payload["n"] != 1 {
		t.Errorf("observer saw mutated payload: %+v", got)
	}
}

func TestBusClose(t *testing.T) {
	res := newFakeResolver()
	r := &recorder{}
	res.set("a", r)
	bus := event.NewBus(res, event.BusConfig{})
	bus.Subscribe("a", "x")

	bus.Publish(context.Background(), "x", nil, "")
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(r.received()) != 1 {
		t.Errorf("close should wait for queued deliveries")
	}

	if _, err := bus.Publish(context.Background(), "x", nil, ""); !errors.Is(err, event.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if err := bus.Subscribe("b", "x"); !errors.Is(err, event.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed on subscribe, got %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestBusValidation(t *testing.T) {
	bus := newBus(t, newFakeResolver(), event.BusConfig{})

	if _, err := bus.Publish(context.Background(), "", nil, ""); !derrors.Is(err, derrors.CodeValidation) {
		t.Errorf("expected ValidationError, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Publish(ctx, "x", nil, ""); !derrors.Is(err, derrors.CodeTimeout) {
		t.Errorf("expected Timeout for canceled publisher, got %v", err)
	}
}

func TestEventMetadata(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	evt := event.Event{ID: "01H", Type: "x", SourceID: "obj-1", PublishedAt: at}

	md := evt.Metadata()
	if md["event_type"] != "x" || md["source_id"] != "obj-1" || md["event_id"] != "01H" {
		t.Errorf("unexpected metadata: %v", md)
	}
	if md["timestamp"] != "2026-03-04T05:06:07Z" {
		t.Errorf("unexpected timestamp: %v", md["timestamp"])
	}
}
