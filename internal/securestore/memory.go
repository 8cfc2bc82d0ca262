package securestore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process store used by tests and ephemeral sessions.
// Readiness can be toggled to simulate storage that is not yet initialized.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	ready  bool
	writes int
}

// NewMemory returns an empty, ready store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string), ready: true}
}

// SetReady toggles the readiness probe.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

// Ready reports whether the store accepts operations.
func (m *Memory) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return "", false, ErrNotReady
	}
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return ErrNotReady
	}
	m.data[key] = value
	m.writes++
	return nil
}

// Delete removes key; missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return ErrNotReady
	}
	delete(m.data, key)
	return nil
}

// Keys lists keys starting with prefix in lexical order.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, ErrNotReady
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Writes returns how many Set calls succeeded.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Close is a no-op that satisfies io.Closer.
func (m *Memory) Close() error { return nil }
