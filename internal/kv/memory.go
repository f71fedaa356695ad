// ABOUTME: In-process implementation of the Store interface backed by maps
// ABOUTME: Used for single-process deployments and as the test double for Redis

package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	str       string
	list      []string
	hash      map[string]string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore implements Store with a single mutex. Every operation is atomic
// with respect to every other, which trivially satisfies the Drain contract.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	closed  bool

	// now is swappable so tests can move time forward
	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookupLocked returns the live entry for key, dropping it if expired.
func (m *MemoryStore) lookupLocked(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok || e.list != nil || e.hash != nil {
		return "", ErrNotFound
	}
	return e.str, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{str: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setNXLocked(key, value, ttl), nil
}

func (m *MemoryStore) setNXLocked(key, value string, ttl time.Duration) bool {
	if _, ok := m.lookupLocked(key); ok {
		return false
	}
	m.entries[key] = &memEntry{str: value, expiresAt: m.deadline(ttl)}
	return true
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookupLocked(key)
	return ok, nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryStore) AppendList(ctx context.Context, op ListAppend) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(op.Key)
	if !ok {
		e = &memEntry{list: []string{}}
		m.entries[op.Key] = e
	}
	e.list = append(e.list, op.Value)
	e.expiresAt = m.deadline(op.TTL)

	for _, k := range op.Touch {
		m.entries[k] = &memEntry{str: op.Stamp, expiresAt: m.deadline(op.TTL)}
	}
	for _, k := range op.Once {
		m.setNXLocked(k, op.Stamp, op.TTL)
	}
	return int64(len(e.list)), nil
}

func (m *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return 0, nil
	}
	return int64(len(e.list)), nil
}

func (m *MemoryStore) Drain(ctx context.Context, listKey string, companions ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(listKey)
	if !ok || len(e.list) == 0 {
		return nil, nil
	}
	items := make([]string, len(e.list))
	copy(items, e.list)

	delete(m.entries, listKey)
	for _, k := range companions {
		delete(m.entries, k)
	}
	return items, nil
}

func (m *MemoryStore) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(key)
	if !ok {
		e = &memEntry{hash: make(map[string]string)}
		m.entries[key] = e
	}
	if e.hash == nil {
		return 0, ErrWrongType
	}
	cur, _ := strconv.ParseInt(e.hash[field], 10, 64)
	cur += n
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	e, ok := m.lookupLocked(key)
	if !ok {
		return out, nil
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.lookupLocked(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}


func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
