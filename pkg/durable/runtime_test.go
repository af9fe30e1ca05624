package durable

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/durable/pkg/durable/config"
	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	"github.com/randalmurphal/durable/pkg/durable/query"
	"github.com/randalmurphal/durable/pkg/durable/store"
)

func newTestRuntime(t *testing.T, opts ...Option) (*Runtime, *fixture) {
	t.Helper()
	rt := New(store.NewMemoryStore(), append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { _ = rt.Close() })
	f := &fixture{release: make(chan struct{})}
	require.NoError(t, f.register(rt.Registry))
	return rt, f
}

func TestRuntime_RoutesAndQueries(t *testing.T) {
	rt, _ := newTestRuntime(t)

	created := rt.Router.Create(testCtx(t), counterType, "ns1", "c1", map[string]any{"count": 0})
	require.True(t, created.Success)
	id := created.Data["id"].(string)

	resp := rt.Router.Route(testCtx(t), id, "add", map[string]any{"amount": 4}, nil)
	require.True(t, resp.Success)
	assert.Equal(t, 4, resp.Data["count"])

	q := rt.Router.Query(testCtx(t), id, query.QueryField, "count")
	require.True(t, q.Success)
	assert.Equal(t, 4, q.Data["value"])
	assert.Contains(t, rt.Queries.List(), query.QueryStatus)
}

func TestRuntime_SweeperIdlesObjects(t *testing.T) {
	rt, f := newTestRuntime(t,
		WithSweepInterval(5*time.Millisecond),
		WithIdleAfter(20*time.Millisecond),
	)
	id, err := rt.Registry.Create(testCtx(t), counterType, "ns1", "c", nil)
	require.NoError(t, err)
	obj, err := rt.Registry.Get(testCtx(t), id)
	require.NoError(t, err)

	rt.Start(testCtx(t))
	rt.Start(testCtx(t))

	require.Eventually(t, func() bool { return obj.Status() == StatusIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.inits.Load())
}

func TestRuntime_CloseIsIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t, WithSweepInterval(time.Millisecond))
	rt.Start(testCtx(t))

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	// Start after Close does nothing.
	rt.Start(testCtx(t))
}

func TestNewFromSettings_SQLiteSurvivesRestart(t *testing.T) {
	s := config.DefaultSettings()
	s.StoreBackend = store.BackendSQLite
	s.StorePath = filepath.Join(t.TempDir(), "objects.db")
	s.LogLevel = "error"

	first, err := NewFromSettings(s, WithLogger(quietLogger()))
	require.NoError(t, err)
	f := &fixture{release: make(chan struct{})}
	require.NoError(t, f.register(first.Registry))

	id, err := first.Registry.Create(testCtx(t), counterType, "ns1", "c", map[string]any{"count": 0})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		resp := first.Router.Route(testCtx(t), id, "increment", nil, nil)
		require.True(t, resp.Success)
	}
	require.True(t, first.Router.Route(testCtx(t), id, ActionHibernate, nil, nil).Success)
	require.NoError(t, first.Close())

	second, err := NewFromSettings(s, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	require.NoError(t, f.register(second.Registry))

	resp := second.Router.Route(testCtx(t), id, "increment", nil, nil)
	require.True(t, resp.Success)
	assert.Equal(t, 4, resp.Data["count"])
}

func TestNewFromSettings_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Settings)
	}{
		{"zero idle", func(s *config.Settings) { s.IdleAfter = 0 }},
		{"unknown backend", func(s *config.Settings) { s.StoreBackend = "etcd" }},
		{"unknown policy", func(s *config.Settings) { s.StoreFailurePolicy = "maybe" }},
		{"bad level", func(s *config.Settings) { s.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.DefaultSettings()
			tt.mutate(&s)

			rt, err := NewFromSettings(s)

			assert.Nil(t, rt)
			assert.True(t, derrors.Is(err, derrors.CodeConfig), "got %v", err)
		})
	}
}

func TestParseStoreFailurePolicy(t *testing.T) {
	p, err := ParseStoreFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DivergeOnStoreError, p)

	p, err = ParseStoreFailurePolicy("rollback")
	require.NoError(t, err)
	assert.Equal(t, RollbackOnStoreError, p)
	assert.Equal(t, "rollback", p.String())

	_, err = ParseStoreFailurePolicy("sometimes")
	assert.True(t, derrors.Is(err, derrors.CodeConfig))
}
