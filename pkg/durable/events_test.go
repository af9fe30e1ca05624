package durable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

func TestEvents_NoSubscribersIsNoop(t *testing.T) {
	f := newFixture(t)

	report, err := f.reg.Bus().PublishAndWait(testCtx(t), "nobody-listens", map[string]any{"n": 1}, "")

	require.NoError(t, err)
	assert.Zero(t, report.Delivered+report.Failed+report.Dropped)
}

// TestEvents_FailingSubscriberIsIsolated publishes to one failing and one
// healthy subscriber.
func TestEvents_FailingSubscriberIsIsolated(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterType("Sturdy", f.newCounter, nil,
		WithEventHandlers(ActionTable{"boom": recordEvent}),
	))
	broken := f.create(t, 0)
	healthy, err := f.reg.Create(testCtx(t), "Sturdy", "ns1", "s", nil)
	require.NoError(t, err)

	report, err := f.reg.Bus().PublishAndWait(testCtx(t), "boom", map[string]any{"n": 1}, "")

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []any{1}, seen(f.object(t, healthy).State()))
	assert.Empty(t, seen(f.object(t, broken).State()))
	assert.Equal(t, StatusActive, f.object(t, broken).Status())
}

func TestEvents_DeletedSubscriberIsSkipped(t *testing.T) {
	f := newFixture(t)
	gone := f.create(t, 0)
	alive := f.create(t, 0)
	bus := f.reg.Bus()

	deleted, err := f.reg.Delete(testCtx(t), gone)
	require.NoError(t, err)
	require.True(t, deleted)
	// A stale subscription left behind by another component.
	require.NoError(t, bus.Subscribe(gone, "x"))

	report, err := bus.PublishAndWait(testCtx(t), "x", map[string]any{"n": 7}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []any{7}, seen(f.object(t, alive).State()))
}

func TestEvents_NoReplayForLateSubscribers(t *testing.T) {
	f := newFixture(t)
	bus := f.reg.Bus()

	_, err := bus.PublishAndWait(testCtx(t), "x", map[string]any{"n": 1}, "")
	require.NoError(t, err)

	late := f.create(t, 0)
	_, err = bus.PublishAndWait(testCtx(t), "x", map[string]any{"n": 2}, "")
	require.NoError(t, err)

	assert.Equal(t, []any{2}, seen(f.object(t, late).State()))
}

func TestEvents_PerSubscriberOrder(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, 0)
	bus := f.reg.Bus()

	want := make([]any, 0, 30)
	for i := 0; i < 30; i++ {
		_, err := bus.Publish(testCtx(t), "x", map[string]any{"n": i}, "")
		require.NoError(t, err)
		want = append(want, i)
	}

	obj := f.object(t, id)
	require.Eventually(t, func() bool { return len(seen(obj.State())) == 30 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, seen(obj.State()))
}

func TestEvents_DeliveryWakesHibernatingSubscriber(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, 0)
	require.NoError(t, f.object(t, id).Hibernate(testCtx(t)))

	report, err := f.reg.Bus().PublishAndWait(testCtx(t), "x", map[string]any{"n": 5}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)

	obj := f.object(t, id)
	assert.Equal(t, StatusActive, obj.Status())
	assert.Equal(t, []any{5}, seen(obj.State()))
}

func TestEvents_DeliveryHydratesEvictedSubscriber(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, 0)
	bus := f.reg.Bus()

	// Keep the subscription while dropping the instance.
	f.reg.cache.Delete(id)
	require.False(t, f.reg.Cached(id))

	report, err := bus.PublishAndWait(testCtx(t), "x", map[string]any{"n": 9}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.True(t, f.reg.Cached(id))
	assert.Equal(t, []any{9}, seen(f.object(t, id).State()))
}

func TestEvents_HandlerPublishesToOtherObjects(t *testing.T) {
	f := newFixture(t)
	source := f.create(t, 41)
	sink := f.create(t, 0)
	f.reg.Bus().Unsubscribe(source, "x")

	resp := NewRouter(f.reg, nil).Route(testCtx(t), source, "emit", nil, nil)
	require.True(t, resp.Success)

	obj := f.object(t, sink)
	require.Eventually(t, func() bool { return len(seen(obj.State())) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{41}, seen(obj.State()))
	assert.Empty(t, seen(f.object(t, source).State()))
}

func TestEvents_DynamicSubscription(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, 0)

	router := NewRouter(f.reg, nil)
	f.reg.Bus().Unsubscribe(id, "x")
	require.NotContains(t, f.reg.Bus().Subscribers("x"), id)

	resp := router.Route(testCtx(t), id, "follow", map[string]any{"topic": "x"}, nil)
	require.True(t, resp.Success)
	assert.Contains(t, f.object(t, id).Subscriptions(), "x")

	report, err := f.reg.Bus().PublishAndWait(testCtx(t), "x", map[string]any{"n": 3}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []any{3}, seen(f.object(t, id).State()))
}

func TestEvents_DynamicSubscriptionNeedsHandler(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, 0)

	resp := NewRouter(f.reg, nil).Route(testCtx(t), id, "follow", map[string]any{"topic": "audit"}, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, string(derrors.CodeValidation), resp.Error)

	assert.Empty(t, f.reg.Bus().Subscribers("audit"))
	assert.NotContains(t, f.object(t, id).Subscriptions(), "audit")
}

func TestEvents_RequestCarriesEventMetadata(t *testing.T) {
	f := newFixture(t)
	var got Request
	require.NoError(t, f.reg.RegisterType("Watcher", f.newCounter, nil,
		WithEventHandlers(ActionTable{
			"watch": func(_ context.Context, req Request) (Reply, error) {
				got = req
				return Reply{}, nil
			},
		}),
	))
	id, err := f.reg.Create(testCtx(t), "Watcher", "ns1", "p", nil)
	require.NoError(t, err)

	_, err = f.reg.Bus().PublishAndWait(testCtx(t), "watch", map[string]any{"k": "v"}, "src-1")
	require.NoError(t, err)

	assert.Equal(t, id, got.ObjectID)
	assert.Equal(t, "watch", got.Action)
	assert.Equal(t, "v", got.Data["k"])
	assert.Equal(t, "src-1", got.Metadata["source_id"])
	require.NotNil(t, got.Event)
	assert.NotEmpty(t, got.Event.ID)
}
