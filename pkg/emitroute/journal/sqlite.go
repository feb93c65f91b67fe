package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists failure records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite journal.
// The path should be a file path (e.g., "./emitroute.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS failures (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			topic TEXT NOT NULL,
			message TEXT NOT NULL,
			code INTEGER NOT NULL,
			timestamp INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_failures_kind
		ON failures(kind)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	rec = normalize(rec)
	_, err := s.db.Exec(`
		INSERT INTO failures (id, kind, topic, message, code, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Kind), rec.Topic, rec.Message, rec.Code, rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(limit int) ([]Record, error) {
	return s.query(`
		SELECT id, kind, topic, message, code, timestamp
		FROM failures
		ORDER BY seq DESC
		LIMIT ?
	`, sqlLimit(limit))
}

// ListByKind implements Store.
func (s *SQLiteStore) ListByKind(kind Kind, limit int) ([]Record, error) {
	return s.query(`
		SELECT id, kind, topic, message, code, timestamp
		FROM failures
		WHERE kind = ?
		ORDER BY seq DESC
		LIMIT ?
	`, string(kind), sqlLimit(limit))
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteStore) query(q string, args ...any) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var kind string
		var ts int64
		if err := rows.Scan(&rec.ID, &kind, &rec.Topic, &rec.Message, &rec.Code, &ts); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Count implements Store.
func (s *SQLiteStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM failures`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Purge implements Store.
func (s *SQLiteStore) Purge(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM failures WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return int(n), nil
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
