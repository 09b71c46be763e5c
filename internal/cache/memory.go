package cache

import (
	"path"
	"strconv"
	"sync"
	"time"
)

// memoryStore is the in-process fallback backend.
//
// Expiry is lazy: a read past the deadline behaves as a miss and removes
// the entry. CleanupExpired exists for memory hygiene only; correctness
// never depends on it running.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]memEntry)}
}

func (m *memoryStore) liveLocked(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *memoryStore) set(key, value string, ttl time.Duration, onlyIfAbsent bool) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if onlyIfAbsent {
		if _, ok := m.liveLocked(key, now); ok {
			return false
		}
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.entries[key] = e
	return true
}

func (m *memoryStore) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key, time.Now())
	if !ok {
		return "", false
	}
	return e.value, true
}

func (m *memoryStore) delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key, time.Now())
	delete(m.entries, key)
	return ok
}

func (m *memoryStore) exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key, time.Now())
	return ok
}

func (m *memoryStore) expire(key string, ttl time.Duration) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key, now)
	if !ok {
		return false
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.entries[key] = e
	return true
}

func (m *memoryStore) ttl(key string) (time.Duration, bool) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key, now)
	if !ok {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(now), true
}

// incr parses the current value as an integer (missing or non-numeric
// counts as zero) and adds delta. The entry's expiry is preserved.
func (m *memoryStore) incr(key string, delta int64) int64 {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key, now)
	var cur int64
	if ok {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	m.entries[key] = e
	return cur
}

func (m *memoryStore) clearPattern(glob string) int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key := range m.entries {
		if _, live := m.liveLocked(key, now); !live {
			continue
		}
		if ok, err := path.Match(glob, key); err == nil && ok {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted
}

func (m *memoryStore) cleanupExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *memoryStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
