package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	derrors "github.com/randalmurphal/durable/pkg/durable/errors"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite record store.
// The path should be a file path (e.g., "./objects.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS durable_objects (
			id TEXT PRIMARY KEY,
			type_name TEXT NOT NULL,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			status TEXT NOT NULL,
			version TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_durable_objects_namespace
		ON durable_objects(namespace, type_name)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO durable_objects (
			id, type_name, namespace, name, state, status, version,
			created_at, updated_at, last_activity_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.TypeName, rec.Namespace, rec.Name, string(state), rec.Status, rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTime(rec.LastActivityAt))
	if err != nil {
		return classify("create record", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, type_name, namespace, name, state, status, version,
			created_at, updated_at, last_activity_at
		FROM durable_objects
		WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("read record", err)
	}
	return rec, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, rec *Record) (bool, error) {
	if err := validate(rec); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	state, err := json.Marshal(rec.State)
	if err != nil {
		return false, fmt.Errorf("encode state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE durable_objects SET
			type_name = ?, namespace = ?, name = ?, state = ?, status = ?, version = ?,
			created_at = ?, updated_at = ?, last_activity_at = ?
		WHERE id = ?
	`, rec.TypeName, rec.Namespace, rec.Name, string(state), rec.Status, rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTime(rec.LastActivityAt), rec.ID)
	if err != nil {
		return false, classify("update record", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}
	return n > 0, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM durable_objects WHERE id = ?`, id)
	if err != nil {
		return false, classify("delete record", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return n > 0, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, pred Predicate) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type_name, namespace, name, state, status, version,
			created_at, updated_at, last_activity_at
		FROM durable_objects
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, classify("list records", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if pred != nil && !pred(rec) {
			continue
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	// created_at text ordering loses ties at equal precision; normalize.
	sortRecords(result)
	return result, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                              Record
		state                            string
		createdAt, updatedAt, lastActive string
	)
	if err := row.Scan(&rec.ID, &rec.TypeName, &rec.Namespace, &rec.Name, &state,
		&rec.Status, &rec.Version, &createdAt, &updatedAt, &lastActive); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	rec.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActive)
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// classify marks lock contention as transient so writers can retry.
func classify(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return derrors.Transient(err, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
