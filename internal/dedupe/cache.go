// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the sequence number they produced
// ABOUTME: Lets repeated appends short-circuit before touching storage; the stores remain authoritative

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the remembered value and its position in the eviction list.
type cacheEntry struct {
	key       string
	seq       int64
	timestamp time.Time
	element   *list.Element
}

// Cache is a size-bounded, TTL-expiring map from key to sequence number.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key scopes an idempotency key to a thread
func Key(threadID, idemKey string) string {
	return threadID + "\x00" + idemKey
}

// Lookup returns the sequence number remembered for key, if still fresh.
func (c *Cache) Lookup(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		return 0, false
	}
	return entry.seq, true
}

// Remember records key -> seq. If the cache is full the oldest entry is evicted.
func (c *Cache) Remember(key string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, exists := c.entries[key]; exists {
		entry.seq = seq
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, seq: seq, timestamp: now}
	entry.element = c.order.PushBack(entry)
	c.entries[key] = entry
}

// Forget drops key, e.g. after the store reported the thread missing.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len reports the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the front of the list. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry, _ := front.Value.(*cacheEntry)
	c.order.Remove(front)
	if entry != nil {
		delete(c.entries, entry.key)
	}
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes expired entries from the front; entries are in timestamp order.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry, _ := front.Value.(*cacheEntry)
		if entry == nil || now.Sub(entry.timestamp) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
