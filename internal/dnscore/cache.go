package dnscore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Cache holds resolved records with a TTL and a hard entry cap. Eviction
// removes expired entries first, then the oldest by resolve time.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	cap     int
	hits    int64
	misses  int64
}

type cacheEntry struct {
	Record     Record    `json:"record"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewCache creates a cache bounded by ttl and maxEntries.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		cap:     maxEntries,
	}
}

// Get returns the cached record for domain, if present and fresh.
func (c *Cache) Get(domain string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[domain]
	if !ok {
		c.misses++
		return Record{}, false
	}
	if time.Since(e.ResolvedAt) > c.ttl {
		delete(c.entries, domain)
		c.misses++
		return Record{}, false
	}
	c.hits++
	return e.Record, true
}

// Put stores rec, evicting if the cache is full. An existing entry for the
// same domain is only replaced by an earlier registration; later claims
// never displace the first one seen.
func (c *Cache) Put(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[rec.Domain]; ok {
		if rec.RegisteredAt >= prev.Record.RegisteredAt && rec.OwnerID != prev.Record.OwnerID {
			return
		}
	} else if len(c.entries) >= c.cap {
		c.evictLocked()
	}
	c.entries[rec.Domain] = &cacheEntry{Record: rec, ResolvedAt: time.Now()}
}

// Force stores rec unconditionally, replacing any cached entry. Used for
// DNS_UPDATE transfers, where the new binding is authoritative.
func (c *Cache) Force(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[rec.Domain]; !ok && len(c.entries) >= c.cap {
		c.evictLocked()
	}
	c.entries[rec.Domain] = &cacheEntry{Record: rec, ResolvedAt: time.Now()}
}

// Invalidate drops the entry for domain if present.
func (c *Cache) Invalidate(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domain)
}

// evictLocked frees one slot: expired entries first, else oldest.
func (c *Cache) evictLocked() {
	now := time.Now()
	var oldest string
	var oldestAt time.Time
	for domain, e := range c.entries {
		if now.Sub(e.ResolvedAt) > c.ttl {
			delete(c.entries, domain)
			return
		}
		if oldest == "" || e.ResolvedAt.Before(oldestAt) {
			oldest, oldestAt = domain, e.ResolvedAt
		}
	}
	if oldest != "" {
		delete(c.entries, oldest)
	}
}

// Stats reports current cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Save writes a JSON snapshot of the live entries to path.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	snapshot := make(map[string]*cacheEntry, len(c.entries))
	for domain, e := range c.entries {
		if time.Since(e.ResolvedAt) <= c.ttl {
			snapshot[domain] = e
		}
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache snapshot: %w", err)
	}
	return nil
}

// Load restores a snapshot written by Save. Entries past their TTL are
// dropped on the way in. A missing file is not an error.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache snapshot: %w", err)
	}

	var snapshot map[string]*cacheEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode cache snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for domain, e := range snapshot {
		if time.Since(e.ResolvedAt) > c.ttl {
			continue
		}
		if len(c.entries) >= c.cap {
			break
		}
		c.entries[domain] = e
	}
	return nil
}
