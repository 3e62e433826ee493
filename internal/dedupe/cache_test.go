// ABOUTME: Tests for the dedupe cache used to throttle repeated log lines.
// ABOUTME: Validates windowing, suppressed counts, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newTestCache returns a cache whose notion of time is driven by the test.
func newTestCache(ttl time.Duration, maxSize int) (*Cache, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(ttl, maxSize)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_Allow_FirstOccurrence(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	ok, skipped := cache.Allow("desk:ssh")
	assert.True(t, ok)
	assert.Zero(t, skipped)
}

func TestCache_Allow_SuppressesWithinWindow(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	cache.Allow("desk:ssh")
	for i := 0; i < 3; i++ {
		ok, _ := cache.Allow("desk:ssh")
		assert.False(t, ok)
	}

	// Other keys are independent
	ok, _ := cache.Allow("nas:ssh")
	assert.True(t, ok)
}

func TestCache_Allow_ReportsSuppressedAfterWindow(t *testing.T) {
	cache, now := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.Allow("desk:ssh")
	cache.Allow("desk:ssh")
	cache.Allow("desk:ssh")

	*now = now.Add(2 * time.Minute)

	ok, skipped := cache.Allow("desk:ssh")
	assert.True(t, ok)
	assert.Equal(t, 2, skipped)

	ok, _ = cache.Allow("desk:ssh")
	assert.False(t, ok, "a new window starts when a key is let through")
}

func TestCache_Forget(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	cache.Allow("desk:ssh")
	cache.Forget("desk:ssh")
	cache.Forget("never-seen")

	ok, _ := cache.Allow("desk:ssh")
	assert.True(t, ok)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache, now := newTestCache(5*time.Minute, 3)
	defer cache.Close()

	for i := 0; i < 3; i++ {
		cache.Allow(fmt.Sprintf("key-%d", i))
		*now = now.Add(time.Second)
	}
	cache.Allow("key-3")

	assert.Equal(t, 3, cache.Len())

	// key-0 was evicted, so it is treated as new
	ok, _ := cache.Allow("key-0")
	assert.True(t, ok)
	// key-3 is still inside its window
	ok, _ = cache.Allow("key-3")
	assert.False(t, ok)
}

func TestCache_RunCleanup(t *testing.T) {
	cache, now := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.Allow("quiet")
	cache.Allow("noisy")
	cache.Allow("noisy")

	*now = now.Add(2 * time.Minute)
	cache.runCleanup()

	// The noisy key keeps its suppressed count until it is next let through
	assert.Equal(t, 1, cache.Len())
	_, skipped := cache.Allow("noisy")
	assert.Equal(t, 1, skipped)
}

func TestCache_Close_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentAllow(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := cache.Allow("shared"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowed)
}
