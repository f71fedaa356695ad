// ABOUTME: Process-local TTL cache of seen message keys with bounded size.
// ABOUTME: Serves as the fallback dedupe backend when the shared store is unreachable.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	markedAt time.Time
	element  *list.Element
}

// Cache is a thread-safe, size-limited set of keys that each expire a fixed
// window after they were first marked. Keys are kept in mark order, so expired
// keys are always at the front of the list and purging stops at the first live
// one.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	window  time.Duration
	maxSize int

	now func() time.Time
}

// NewCache creates a cache whose keys are forgotten window after being marked.
// When maxSize keys are live the oldest is evicted to make room.
func NewCache(window time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SeenOrMark reports whether key is live in the cache. If it is not, the key
// is marked before returning false. A repeat sighting does not extend the
// window.
func (c *Cache) SeenOrMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)

	if _, ok := c.seen[key]; ok {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{markedAt: now, element: elem}
	return false
}

// Check reports whether key is live without marking it.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked(c.now())
	_, ok := c.seen[key]
	return ok
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked(c.now())
	return len(c.seen)
}

// purgeLocked drops expired keys from the front of the order list.
func (c *Cache) purgeLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if entry != nil && now.Sub(entry.markedAt) < c.window {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
