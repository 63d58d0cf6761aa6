package prefs

import (
	"sync"

	"github.com/pkg/errors"
)

// Memory is a Prefs that does not persist, used when no state directory is
// configured and in tests.
type Memory struct {
	typed
	mu     sync.Mutex
	values map[string]string
}

var _ Prefs = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{values: make(map[string]string)}
	m.typed = typed{s: m}
	return m
}

func (m *Memory) get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "preference %s", key)
	}
	return v, nil
}

func (m *Memory) set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys returns a copy of the stored values.
func (m *Memory) Keys() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
