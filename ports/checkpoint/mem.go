package checkpoint

import (
	"context"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	data map[string]uint64
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]uint64{}}
}

func (m *MemStore) Get(_ context.Context, key string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (m *MemStore) Set(_ context.Context, key string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

var _ Store = (*MemStore)(nil)
