package registry

import (
	"hash/maphash"
	"sync"
)

// shardCount spreads keys over independent locks so that lookups for
// different object ids rarely contend.
const shardCount = 32

// Registry is a concurrent map from K to V, split into lock shards.
type Registry[K comparable, V any] struct {
	seed   maphash.Seed
	shards [shardCount]shard[K, V]
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New creates an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	r := &Registry[K, V]{seed: maphash.MakeSeed()}
	for i := range r.shards {
		r.shards[i].m = make(map[K]V)
	}
	return r
}

func (r *Registry[K, V]) shardFor(key K) *shard[K, V] {
	return &r.shards[maphash.Comparable(r.seed, key)%shardCount]
}

// Get returns the value stored under key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// RegisterIfAbsent stores value unless key is taken and reports whether it
// did.
func (r *Registry[K, V]) RegisterIfAbsent(key K, value V) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = value
	return true
}

// GetOrCreate returns the value under key, storing factory() first if the
// key is empty. factory runs at most once per key while the key's shard is
// write-locked, so it must be cheap and must not call back into r.
// created reports whether this call stored the value.
func (r *Registry[K, V]) GetOrCreate(key K, factory func() V) (v V, created bool) {
	if v, ok := r.Get(key); ok {
		return v, false
	}

	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, false
	}
	v = factory()
	s.m[key] = v
	return v, true
}

// Delete removes key.
func (r *Registry[K, V]) Delete(key K) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// DeleteIf removes key only while match accepts its current value, and
// reports whether it was removed.
func (r *Registry[K, V]) DeleteIf(key K, match func(V) bool) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok || !match(v) {
		return false
	}
	delete(s.m, key)
	return true
}

// Keys returns every key in no particular order.
func (r *Registry[K, V]) Keys() []K {
	var keys []K
	r.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Len counts the stored entries.
func (r *Registry[K, V]) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for each entry until fn returns false. Each shard is
// copied before its entries are visited, so fn may modify r.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		batch := make(map[K]V, len(s.m))
		for k, v := range s.m {
			batch[k] = v
		}
		s.mu.RUnlock()

		for k, v := range batch {
			if !fn(k, v) {
				return
			}
		}
	}
}

// Clear empties the registry and returns what it held.
func (r *Registry[K, V]) Clear() map[K]V {
	out := make(map[K]V)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for k, v := range s.m {
			out[k] = v
		}
		s.m = make(map[K]V)
		s.mu.Unlock()
	}
	return out
}
