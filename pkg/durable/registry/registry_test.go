package registry

import (
	"fmt"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	id string
}

func TestGetMissingReturnsZeroValue(t *testing.T) {
	r := New[string, int]()

	v, ok := r.Get("three")

	assert.False(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterIfAbsent(t *testing.T) {
	r := New[string, string]()

	assert.True(t, r.RegisterIfAbsent("Counter", "first"))
	assert.False(t, r.RegisterIfAbsent("Counter", "second"))

	v, ok := r.Get("Counter")
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestDelete(t *testing.T) {
	r := New[string, int]()
	r.RegisterIfAbsent("key", 42)

	r.Delete("key")
	r.Delete("nonexistent")

	_, ok := r.Get("key")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestDeleteIf_OnlyRemovesObservedValue(t *testing.T) {
	r := New[string, *entry]()
	stale := &entry{id: "a"}
	current := &entry{id: "a"}
	r.RegisterIfAbsent("a", current)

	assert.False(t, r.DeleteIf("a", func(v *entry) bool { return v == stale }))
	assert.False(t, r.DeleteIf("missing", func(*entry) bool { return true }))

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, current, v)

	assert.True(t, r.DeleteIf("a", func(v *entry) bool { return v == current }))
	assert.Equal(t, 0, r.Len())
}

func TestGetOrCreate(t *testing.T) {
	r := New[string, *entry]()
	calls := 0
	factory := func() *entry {
		calls++
		return &entry{id: "obj-1"}
	}

	first, created := r.GetOrCreate("obj-1", factory)
	assert.True(t, created)
	second, created := r.GetOrCreate("obj-1", factory)
	assert.False(t, created)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestKeysLenRangeAcrossShards(t *testing.T) {
	r := New[string, int]()
	want := make([]string, 0, 200)
	for i := range 200 {
		key := fmt.Sprintf("obj-%03d", i)
		r.RegisterIfAbsent(key, i)
		want = append(want, key)
	}

	keys := r.Keys()
	sort.Strings(keys)
	assert.Equal(t, want, keys)
	assert.Equal(t, 200, r.Len())

	sum := 0
	r.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 199*200/2, sum)
}

func TestRangeStopsEarly(t *testing.T) {
	r := New[int, int]()
	for i := range 50 {
		r.RegisterIfAbsent(i, i)
	}

	visited := 0
	r.Range(func(int, int) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

func TestRangeAllowsMutation(t *testing.T) {
	r := New[string, int]()
	r.RegisterIfAbsent("a", 1)
	r.RegisterIfAbsent("b", 2)

	r.Range(func(k string, _ int) bool {
		r.Delete(k)
		r.RegisterIfAbsent(k+"-next", 0)
		return true
	})

	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestClear(t *testing.T) {
	r := New[string, int]()
	r.RegisterIfAbsent("a", 1)
	r.RegisterIfAbsent("b", 2)

	old := r.Clear()

	assert.Equal(t, map[string]int{"a": 1, "b": 2}, old)
	assert.Equal(t, 0, r.Len())
}

func TestStructKeys(t *testing.T) {
	type key struct {
		namespace string
		name      string
	}
	r := New[key, string]()
	r.RegisterIfAbsent(key{"ns1", "c1"}, "id-1")

	v, ok := r.Get(key{"ns1", "c1"})
	require.True(t, ok)
	assert.Equal(t, "id-1", v)

	_, ok = r.Get(key{"ns2", "c1"})
	assert.False(t, ok)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	r := New[string, *entry]()
	var calls, created atomic.Int32
	const n = 100

	results := make([]*entry, n)
	var wg conc.WaitGroup
	for i := range n {
		wg.Go(func() {
			v, ok := r.GetOrCreate("obj-1", func() *entry {
				calls.Add(1)
				return &entry{id: "obj-1"}
			})
			if ok {
				created.Add(1)
			}
			results[i] = v
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), created.Load())
	for _, v := range results {
		assert.Same(t, results[0], v)
	}
}

func TestConcurrentRegisterIfAbsent(t *testing.T) {
	r := New[string, int]()
	var wins atomic.Int32

	var wg conc.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			if r.RegisterIfAbsent("Counter", i) {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestConcurrentDistinctKeys(t *testing.T) {
	r := New[int, int]()

	var wg conc.WaitGroup
	for i := range 500 {
		wg.Go(func() {
			r.GetOrCreate(i, func() int { return i * 2 })
			v, ok := r.Get(i)
			assert.True(t, ok)
			assert.Equal(t, i*2, v)
		})
	}
	wg.Wait()

	assert.Equal(t, 500, r.Len())
}
