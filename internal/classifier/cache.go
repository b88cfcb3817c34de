package classifier

import (
	"context"
	"sync"
	"time"
)

// cacheItem stores a cached level together with its expiry time.
type cacheItem struct {
	level     Level
	expiresAt time.Time
}

// resultCache is a simple in-process cache with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded memory growth.
type resultCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
}

// newResultCache creates a resultCache and starts the background cleanup
// loop. The cleanup goroutine stops when ctx is cancelled.
func newResultCache(ctx context.Context) *resultCache {
	c := &resultCache{items: make(map[string]cacheItem)}
	go c.cleanup(ctx)
	return c
}

// get returns the cached level for key. Returns (0, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *resultCache) get(key string) (Level, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return 0, false
	}

	if time.Now().After(item.expiresAt) {
		// Lazy expiry — remove the stale entry without blocking reads.
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return 0, false
	}

	return item.level, true
}

func (c *resultCache) set(key string, level Level, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c.mu.Lock()
	c.items[key] = cacheItem{level: level, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *resultCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *resultCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
