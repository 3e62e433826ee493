// ABOUTME: Thread-safe TTL cache for throttling repeated log lines.
// ABOUTME: Used by the probe loop and agent channel so recurring failures log once per window.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores when a key was last let through and how many repeats were held back since.
type cacheEntry struct {
	allowedAt  time.Time
	suppressed int
	element    *list.Element
}

// Cache lets the first occurrence of a key through and suppresses repeats
// until the TTL elapses. It is bounded: at capacity the key that was let
// through longest ago is evicted.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys ordered by allowedAt, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified window and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Allow reports whether an occurrence of key should be emitted.
// The first occurrence in a window returns true along with the number of
// repeats that were suppressed in the previous window. Repeats inside the
// window return false.
func (c *Cache) Allow(key string) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.seen[key]
	if ok && now.Sub(entry.allowedAt) < c.ttl {
		entry.suppressed++
		return false, 0
	}

	var skipped int
	if ok {
		skipped = entry.suppressed
		entry.allowedAt = now
		entry.suppressed = 0
		c.order.MoveToBack(entry.element)
		return true, skipped
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{allowedAt: now, element: c.order.PushBack(key)}
	return true, 0
}

// Forget drops key so its next occurrence is emitted immediately.
// Called when the condition being logged has cleared.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the oldest entry from the cache. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes entries whose window has passed with nothing suppressed.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.allowedAt) > c.ttl && entry.suppressed == 0 {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
