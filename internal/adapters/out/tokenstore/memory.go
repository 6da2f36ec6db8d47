package tokenstore

import (
	"context"
	"sync"

	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
)

// Ensure MemoryStore implements out.KeyValueStore.
var _ out.KeyValueStore = (*MemoryStore)(nil)

// MemoryStore is a thread-safe in-memory store. Values do not survive the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
