// Package store provides persistence for durable object records.
//
// The Registry reaches persisted state exclusively through the Store
// interface. MemoryStore serves tests, SQLiteStore and BadgerStore serve
// single-process production use.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Store persists object records.
// Implementations must be safe for concurrent use and provide
// read-after-write consistency within a process.
type Store interface {
	// Create stores a new record.
	// Returns ErrExists if a record with the same ID is already stored.
	Create(ctx context.Context, rec *Record) error

	// Read retrieves a record by ID.
	// Returns ErrNotFound if the record doesn't exist.
	Read(ctx context.Context, id string) (*Record, error)

	// Update replaces an existing record.
	// Returns false (and no error) if the record doesn't exist.
	Update(ctx context.Context, rec *Record) (bool, error)

	// Delete removes a record.
	// Returns false (and no error) if the record doesn't exist.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns all records matching pred, ordered by CreatedAt then ID.
	// A nil predicate matches every record.
	List(ctx context.Context, pred Predicate) ([]*Record, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Record is the persisted form of a durable object.
type Record struct {
	ID             string         `json:"id"`
	TypeName       string         `json:"typeName"`
	Namespace      string         `json:"namespace"`
	Name           string         `json:"name"`
	State          map[string]any `json:"state"`
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
}

// Clone creates a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.State = CloneState(r.State)
	return &c
}

// Predicate selects records during List.
type Predicate func(*Record) bool

// Filter is the common listing predicate: empty fields match anything.
type Filter struct {
	Namespace string
	TypeName  string
	Status    string
}

// Predicate converts the filter into a Predicate.
func (f Filter) Predicate() Predicate {
	return func(r *Record) bool {
		if f.Namespace != "" && r.Namespace != f.Namespace {
			return false
		}
		if f.TypeName != "" && r.TypeName != f.TypeName {
			return false
		}
		if f.Status != "" && r.Status != f.Status {
			return false
		}
		return true
	}
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrExists indicates Create was called with an ID already stored.
	ErrExists = errors.New("record already exists")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")

	// ErrInvalidRecord indicates a nil record or a record without an ID.
	ErrInvalidRecord = errors.New("invalid record")
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Open creates a store for the named backend.
// path is ignored for the memory backend; an empty path opens badger in memory.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if path == "" {
			path = ":memory:"
		}
		return NewSQLiteStore(path)
	case BackendBadger:
		return NewBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func validate(rec *Record) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidRecord
	}
	return nil
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
