package record

import (
	"context"
	"sync"
	"time"

	"github.com/reelworks/vodflow/internal/state"
)

// MemoryStore is an in-memory Store for tests and local iteration. It
// enforces the same version-conflict contract as the Postgres store so the
// engine's concurrency behaviour can be exercised without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*StateRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*StateRecord)}
}

func (m *MemoryStore) Get(ctx context.Context, entityID string) (*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, entityID string) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[entityID]; ok {
		cp := *rec
		return &cp, nil
	}
	rec := &StateRecord{
		EntityID:     entityID,
		CurrentState: state.Pending,
		LastUpdated:  time.Now().UTC(),
		Version:      1,
	}
	m.records[entityID] = rec
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Save(ctx context.Context, rec *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.EntityID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != rec.Version {
		return ErrConflict
	}
	rec.Version++
	rec.LastUpdated = time.Now().UTC()
	cp := *rec
	m.records[rec.EntityID] = &cp
	return nil
}

func (m *MemoryStore) FindByState(ctx context.Context, s state.State) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StateRecord
	for _, rec := range m.records {
		if rec.CurrentState == s {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindByCompensating(ctx context.Context, compensating bool) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StateRecord
	for _, rec := range m.records {
		if rec.Compensating == compensating {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
