package counterstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store for demo/development mode and tests.
// All operations are guarded by a single mutex, so the atomicity guarantees
// match the Redis implementation.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]*memEntry
	distinct map[string]map[string]struct{}
	events   map[string][]time.Time
}

type memEntry struct {
	value     string
	version   int64
	expiresAt time.Time // zero = never
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]*memEntry),
		distinct: make(map[string]map[string]struct{}),
		events:   make(map[string][]time.Time),
	}
}

// live returns the entry for key if present and not expired.
// Caller must hold m.mu.
func (m *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := m.values[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt) {
		delete(m.values, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", 0, ErrNotFound
	}
	return e.value, e.version, nil
}

func (m *MemoryStore) Put(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok {
		e.value = value
		e.version++
		return nil
	}
	m.values[key] = &memEntry{value: value, version: 1}
	return nil
}

func (m *MemoryStore) AtomicIncrement(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok {
		n, _ := strconv.ParseInt(e.value, 10, 64)
		n += delta
		e.value = strconv.FormatInt(n, 10)
		e.version++
		return n, nil
	}

	e := &memEntry{value: strconv.FormatInt(delta, 10), version: 1}
	if expiry > 0 {
		e.expiresAt = time.Now().Add(expiry)
	}
	m.values[key] = e
	return delta, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		if expectedVersion != 0 {
			return false, nil
		}
		m.values[key] = &memEntry{value: value, version: 1}
		return true, nil
	}
	if e.version != expectedVersion {
		return false, nil
	}
	e.value = value
	e.version++
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

func (m *MemoryStore) AddDistinct(ctx context.Context, bucket, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.distinct[bucket]
	if !ok {
		set = make(map[string]struct{})
		m.distinct[bucket] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *MemoryStore) CountDistinct(ctx context.Context, bucket string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.distinct[bucket]), nil
}

func (m *MemoryStore) RecordEvent(ctx context.Context, entity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := append(m.events[entity], at)

	// Prune events past retention to bound memory.
	cutoff := at.Add(-eventRetention)
	start := 0
	for start < len(events) && events[start].Before(cutoff) {
		start++
	}
	m.events[entity] = events[start:]
	return nil
}

func (m *MemoryStore) CountEventsSince(ctx context.Context, entity string, since, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, at := range m.events[entity] {
		if at.After(since) && !at.After(now) {
			count++
		}
	}
	return count, nil
}
