package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps checkpoints in process memory.
type MemoryStorage struct {
	mu   sync.RWMutex
	runs map[string]map[string][]byte
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{runs: map[string]map[string][]byte{}}
}

func (m *MemoryStorage) Put(_ context.Context, runID, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.runs[runID]
	if !ok {
		entries = map[string][]byte{}
		m.runs[runID] = entries
	}
	entries[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, runID, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.runs[runID][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

func (m *MemoryStorage) List(_ context.Context, runID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.runs[runID]))
	for k := range m.runs[runID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStorage) Close() error { return nil }
