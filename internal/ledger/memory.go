package ledger

import (
	"context"
	"sync"

	"kobo_connect/internal/domain"
)

// MemoryStore keeps records in process memory. Used for tests and single
// instance deployments that accept losing the ledger on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.SubmissionRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.SubmissionRecord)}
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, rec domain.SubmissionRecord) (domain.SubmissionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(rec.ID, rec.GroupID)
	if existing, ok := m.records[key]; ok {
		return existing, false, nil
	}
	m.records[key] = rec
	return rec, true, nil
}

func (m *MemoryStore) Replace(ctx context.Context, rec domain.SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[Key(rec.ID, rec.GroupID)] = rec
	return nil
}

func (m *MemoryStore) Swap(ctx context.Context, rec domain.SubmissionRecord, from domain.SubmissionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(rec.ID, rec.GroupID)
	if existing, ok := m.records[key]; !ok || existing.Status != from {
		return false, nil
	}
	m.records[key] = rec
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id, groupID string) (domain.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[Key(id, groupID)]
	if !ok {
		return domain.SubmissionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Type() string { return "memory" }
