package store

import (
	"context"
	"sync"

	"github.com/marzo245/RoleDesk-B/internal/v1/types"
)

// MemoryStore is an in-process types.RealmStore used when Redis is disabled
// (single-instance/dev mode) and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	realms   map[types.RealmIDType]types.RealmRecord
	profiles map[types.UserIDType]types.ProfileRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		realms:   make(map[types.RealmIDType]types.RealmRecord),
		profiles: make(map[types.UserIDType]types.ProfileRecord),
	}
}

func (s *MemoryStore) LoadRealm(_ context.Context, id types.RealmIDType) (*types.RealmRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.realms[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copy := record
	return &copy, nil
}

func (s *MemoryStore) SaveRealm(_ context.Context, record *types.RealmRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realms[record.ID] = *record
	return nil
}

func (s *MemoryStore) DeleteRealm(_ context.Context, id types.RealmIDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.realms, id)
	return nil
}

func (s *MemoryStore) LoadProfile(_ context.Context, id types.UserIDType) (*types.ProfileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.profiles[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copy := record
	return &copy, nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, record *types.ProfileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[record.UserID] = *record
	return nil
}
