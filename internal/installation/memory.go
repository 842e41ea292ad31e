package installation

import (
	"context"
	"sync"
)

// MemoryStore keeps identifiers for the lifetime of the process.
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]string)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[key]
	return id, ok, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[key] = id
	return nil
}
