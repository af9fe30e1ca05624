package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
)

var objectPrefix = []byte("obj/")

// BadgerStore persists records in an embedded Badger key-value store.
// Records are stored as JSON under "obj/<id>".
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// NewBadgerStore opens a Badger store at dir.
// An empty dir opens an in-memory instance.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func objectKey(id string) []byte {
	return append(append([]byte{}, objectPrefix...), id...)
}

// Create implements Store.
func (s *BadgerStore) Create(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := objectKey(rec.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	return classifyBadger("create record", err)
}

// Read implements Store.
func (s *BadgerStore) Read(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyBadger("read record", err)
	}
	return &rec, nil
}

// Update implements Store.
func (s *BadgerStore) Update(ctx context.Context, rec *Record) (bool, error) {
	if err := validate(rec); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := objectKey(rec.ID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classifyBadger("update record", err)
	}
	return true, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		key := objectKey(id)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classifyBadger("delete record", err)
	}
	return true, nil
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, pred Predicate) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var result []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(objectPrefix); it.ValidForPrefix(objectPrefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if pred != nil && !pred(&rec) {
				continue
			}
			result = append(result, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, classifyBadger("list records", err)
	}

	sortRecords(result)
	return result, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// classifyBadger marks transaction conflicts as transient so writers can retry.
func classifyBadger(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExists):
		return ErrExists
	case errors.Is(err, badger.ErrConflict):
		return derrors.Transient(err, op)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Compile-time check that BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)
