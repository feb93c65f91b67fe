package journal

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory journal.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	closed  bool
}

// NewMemoryStore creates a new in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (m *MemoryStore) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.records = append(m.records, normalize(rec))
	return nil
}

// List implements Store.
func (m *MemoryStore) List(limit int) ([]Record, error) {
	return m.list(func(Record) bool { return true }, limit)
}

// ListByKind implements Store.
func (m *MemoryStore) ListByKind(kind Kind, limit int) ([]Record, error) {
	return m.list(func(r Record) bool { return r.Kind == kind }, limit)
}

func (m *MemoryStore) list(keep func(Record) bool, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]Record, 0)
	for i := len(m.records) - 1; i >= 0; i-- {
		if !keep(m.records[i]) {
			continue
		}
		out = append(out, m.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count implements Store.
func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.records), nil
}

// Purge implements Store.
func (m *MemoryStore) Purge(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	kept := m.records[:0]
	for _, r := range m.records {
		if r.Timestamp.Before(before) {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(m.records) - len(kept)
	m.records = kept
	return removed, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	return nil
}
