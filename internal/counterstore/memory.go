package counterstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu    sync.Mutex
	clock clockwork.Clock
	data  map[string]memEntry
}

func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{clock: clock, data: make(map[string]memEntry)}
}

// lookup returns the live entry for key, evicting it if expired.
// Must be called with mu held.
func (m *Memory) lookup(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !m.clock.Now().Before(e.expires) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) entry(value []byte, ttl time.Duration) memEntry {
	e := memEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expires = m.clock.Now().Add(ttl)
	}
	return e
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, nil
	}
	return bytes.Clone(e.value), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = m.entry(value, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.data[key] = m.entry(value, ttl)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// TTL returns the remaining lifetime of key, or 0 if it is missing or has no
// expiry.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.expires.IsZero() {
		return 0
	}
	return e.expires.Sub(m.clock.Now())
}
