package dnscore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheHitAndExpiry(t *testing.T) {
	c := NewCache(30*time.Millisecond, 10)
	c.Put(Record{Domain: "shop", Kind: KindAlias, OwnerID: 3, RegisteredAt: 100})

	rec, ok := c.Get("shop")
	require.True(t, ok)
	require.Equal(t, 3, rec.OwnerID)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("shop")
	require.False(t, ok, "entry should expire")

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewCache(time.Minute, 2)
	c.Put(Record{Domain: "first", Kind: KindAlias, OwnerID: 1, RegisteredAt: 1})
	time.Sleep(2 * time.Millisecond)
	c.Put(Record{Domain: "second", Kind: KindAlias, OwnerID: 2, RegisteredAt: 2})
	time.Sleep(2 * time.Millisecond)
	c.Put(Record{Domain: "third", Kind: KindAlias, OwnerID: 3, RegisteredAt: 3})

	_, ok := c.Get("first")
	require.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("second")
	require.True(t, ok)
	_, ok = c.Get("third")
	require.True(t, ok)
}

func TestCacheKeepsEarliestRegistration(t *testing.T) {
	c := NewCache(time.Minute, 10)
	c.Put(Record{Domain: "shop", Kind: KindAlias, OwnerID: 5, RegisteredAt: 200})
	c.Put(Record{Domain: "shop", Kind: KindAlias, OwnerID: 9, RegisteredAt: 100})
	c.Put(Record{Domain: "shop", Kind: KindAlias, OwnerID: 7, RegisteredAt: 300})

	rec, ok := c.Get("shop")
	require.True(t, ok)
	require.Equal(t, 9, rec.OwnerID, "earliest registration wins")
}

func TestCacheForceOverridesEarlierClaim(t *testing.T) {
	c := NewCache(time.Minute, 10)
	c.Put(Record{Domain: "shop", Kind: KindAlias, OwnerID: 9, RegisteredAt: 100})
	c.Force(Record{Domain: "shop", Kind: KindAlias, OwnerID: 5, RegisteredAt: 900})

	rec, ok := c.Get("shop")
	require.True(t, ok)
	require.Equal(t, 5, rec.OwnerID)
}

func TestCacheSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dns-cache.json")

	c := NewCache(time.Minute, 10)
	c.Put(Record{Domain: "shop.comp9.rednet", Kind: KindComputer, OwnerID: 9, RegisteredAt: 100})
	c.Put(Record{Domain: "blog", Kind: KindAlias, OwnerID: 4, RegisteredAt: 200})
	require.NoError(t, c.Save(path))

	restored := NewCache(time.Minute, 10)
	require.NoError(t, restored.Load(path))

	rec, ok := restored.Get("shop.comp9.rednet")
	require.True(t, ok)
	require.Equal(t, 9, rec.OwnerID)
	rec, ok = restored.Get("blog")
	require.True(t, ok)
	require.Equal(t, 4, rec.OwnerID)
}

func TestCacheLoadMissingFile(t *testing.T) {
	c := NewCache(time.Minute, 10)
	require.NoError(t, c.Load(filepath.Join(t.TempDir(), "absent.json")))
}
