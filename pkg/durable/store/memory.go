package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory record store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, exists := m.records[rec.ID]; exists {
		return ErrExists
	}

	// Copy to avoid retaining the caller's maps
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, rec *Record) (bool, error) {
	if err := validate(rec); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if _, exists := m.records[rec.ID]; !exists {
		return false, nil
	}

	m.records[rec.ID] = rec.Clone()
	return true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if _, exists := m.records[id]; !exists {
		return false, nil
	}

	delete(m.records, id)
	return true, nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, pred Predicate) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	result := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if pred != nil && !pred(rec) {
			continue
		}
		result = append(result, rec.Clone())
	}

	sortRecords(result)
	return result, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	return nil
}

// Len returns the number of stored records.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
