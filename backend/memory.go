package backend

import (
	"context"
	"sync"
)

// Memory is an in-process Store with an optional byte quota, standing in for
// browser-style storage that rejects writes once full.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]string
	size  int64
	quota int64
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithQuota limits the total bytes (keys plus values) the store accepts.
// Zero disables the limit.
func WithQuota(bytes int64) MemoryOption {
	return func(m *Memory) {
		m.quota = bytes
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{data: make(map[string]string)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves the value stored at key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value at key. Returns ErrQuotaExceeded when the quota would be exceeded.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newSize := m.size + entrySize(key, value)
	if old, ok := m.data[key]; ok {
		newSize -= entrySize(key, old)
	}
	if m.quota > 0 && newSize > m.quota {
		return ErrQuotaExceeded
	}

	m.data[key] = value
	m.size = newSize
	return nil
}

// Remove deletes the value at key.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.data[key]; ok {
		m.size -= entrySize(key, old)
		delete(m.data, key)
	}
	return nil
}

// ListKeys returns every key in the store.
func (m *Memory) ListKeys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Size returns the number of bytes currently held.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}

var _ Store = (*Memory)(nil)
