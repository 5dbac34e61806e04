package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is a thread-safe in-memory Store, used by tests and local runs.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	// failOps makes the next n operations report ErrUnavailable, which
	// lets tests simulate a store that is down or not yet live.
	failOps int
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// FailOps makes the next n store operations fail with ErrUnavailable.
func (m *MemStore) FailOps(n int) {
	m.mu.Lock()
	m.failOps = n
	m.mu.Unlock()
}

// failing consumes one failure budget slot. Caller must not hold m.mu.
func (m *MemStore) failing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOps > 0 {
		m.failOps--
		return true
	}
	return false
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.failing() {
		return nil, ErrUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

func (m *MemStore) Set(ctx context.Context, key string, val []byte) error {
	if m.failing() {
		return ErrUnavailable
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	if m.failing() {
		return ErrUnavailable
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if m.failing() {
		return nil, ErrUnavailable
	}
	m.mu.RLock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Ping(ctx context.Context) error {
	if m.failing() {
		return ErrUnavailable
	}
	return nil
}
