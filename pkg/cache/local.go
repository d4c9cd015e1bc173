package cache

import (
	"sync"
	"time"
)

// pruneThreshold caps how large the in-process session map may grow before a
// write sweeps out expired entries.
const pruneThreshold = 4096

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// memoryStore is the in-process session binding fallback. Entries expire
// lazily on read and in bulk when the map grows past pruneThreshold.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]memoryEntry)}
}

func (m *memoryStore) get(key string, now time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if now.After(entry.expiresAt) {
		delete(m.entries, key)
		return "", false
	}
	return entry.value, true
}

func (m *memoryStore) put(key, value string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= pruneThreshold {
		m.pruneLocked(time.Now())
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
}

func (m *memoryStore) touch(key string, now time.Time, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || now.After(entry.expiresAt) {
		return
	}
	entry.expiresAt = now.Add(ttl)
	m.entries[key] = entry
}

func (m *memoryStore) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *memoryStore) pruneLocked(now time.Time) {
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
}
