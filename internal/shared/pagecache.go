// Package shared holds the resources all tabs use together: the page
// cache, the per-host connection pool, downloads, and the shared cookie
// jar.
package shared

import (
	"sync"
	"time"
)

// PageCache caches rendered page bodies by URL. It is bounded by total
// byte size rather than entry count; inserting past the bound evicts the
// oldest entries until the new page fits.
type PageCache struct {
	mu      sync.Mutex
	entries map[string]*pageEntry
	maxSize int
	ttl     time.Duration
	size    int
	hits    int64
	misses  int64
}

type pageEntry struct {
	data     []byte
	storedAt time.Time
}

// PageCacheStats is a point-in-time view of cache usage.
type PageCacheStats struct {
	Entries int   `json:"entries"`
	Bytes   int   `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewPageCache creates a cache holding at most maxSize bytes of page data.
func NewPageCache(maxSize int, ttl time.Duration) *PageCache {
	return &PageCache{
		entries: make(map[string]*pageEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached body for url, if present and fresh.
func (c *PageCache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[url]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		c.removeLocked(url)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.data, true
}

// Put stores data under url. Pages larger than the whole cache are not
// cached at all.
func (c *PageCache) Put(url string, data []byte) {
	if len(data) > c.maxSize {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[url]; ok {
		c.removeLocked(url)
	}
	for c.size+len(data) > c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[url] = &pageEntry{data: data, storedAt: time.Now()}
	c.size += len(data)
}

// Invalidate drops the entry for url.
func (c *PageCache) Invalidate(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(url)
}

// Purge drops every entry past its TTL and returns how many were removed.
func (c *PageCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for url, e := range c.entries {
		if time.Since(e.storedAt) > c.ttl {
			c.removeLocked(url)
			removed++
		}
	}
	return removed
}

func (c *PageCache) removeLocked(url string) {
	if e, ok := c.entries[url]; ok {
		c.size -= len(e.data)
		delete(c.entries, url)
	}
}

func (c *PageCache) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for url, e := range c.entries {
		if oldest == "" || e.storedAt.Before(oldestAt) {
			oldest, oldestAt = url, e.storedAt
		}
	}
	if oldest == "" {
		return
	}
	c.removeLocked(oldest)
}

// Stats reports current cache counters.
func (c *PageCache) Stats() PageCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PageCacheStats{Entries: len(c.entries), Bytes: c.size, Hits: c.hits, Misses: c.misses}
}
