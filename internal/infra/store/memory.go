package store

import (
	"context"
	"sort"
	"sync"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
)

var _ delivery.RecordStore = (*MemoryStore)(nil)

// MemoryStore keeps the latest copy of each record in process. It is used
// when no Supabase project is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]delivery.Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]delivery.Record)}
}

// Save stores a copy of rec, replacing any earlier version.
func (m *MemoryStore) Save(_ context.Context, rec *delivery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *rec
	return nil
}

// GetByID returns the stored copy of a record.
func (m *MemoryStore) GetByID(_ context.Context, id string) (*delivery.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, common.NewNotFoundError("delivery", id)
	}
	return &rec, nil
}

// ListFailed returns up to limit failed_final records, newest failure first.
func (m *MemoryStore) ListFailed(_ context.Context, limit int) ([]*delivery.Record, error) {
	m.mu.RLock()
	var out []*delivery.Record
	for _, rec := range m.records {
		if rec.Status == delivery.StatusFailedFinal {
			r := rec
			out = append(out, &r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
