package usercontext

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL cache of user context bundles keyed by user ID.
//
// Stale-while-revalidate: an expired entry is still returned, and exactly
// one caller is told to refresh it in the background.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	bundle     *Bundle
	expiresAt  time.Time
	refreshing atomic.Bool
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Bundle       *Bundle
	Hit          bool // fresh or stale
	NeedsRefresh bool // only set for the first stale reader
}

func (c *Cache) Get(userID string) GetResult {
	val, ok := c.store.Load(userID)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Bundle: entry.bundle, Hit: true}
	}

	return GetResult{
		Bundle:       entry.bundle,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// GetFresh returns the bundle only if it has not expired.
func (c *Cache) GetFresh(userID string) (*Bundle, bool) {
	val, ok := c.store.Load(userID)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if !time.Now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.bundle, true
}

func (c *Cache) Set(userID string, b *Bundle) {
	c.store.Store(userID, &cacheEntry{
		bundle:    b,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *Cache) Delete(userID string) {
	c.store.Delete(userID)
}
