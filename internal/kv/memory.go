package kv

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process Store for tests and single-shot CLI runs.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

// CompareAndSwap replaces the value under key if it still equals old.
func (m *Memory) CompareAndSwap(_ context.Context, key string, old, next []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.data[key]
	if !ok || !bytes.Equal(cur, old) {
		return ErrConflict
	}
	v := make([]byte, len(next))
	copy(v, next)
	m.data[key] = v
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Keys returns the number of stored keys.
func (m *Memory) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
