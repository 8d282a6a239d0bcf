package registry

import (
	"context"
	"sync"
	"time"
)

// cacheTTL is a safety net; local claims and releases invalidate eagerly.
const cacheTTL = 5 * time.Second

// Cache wraps a Store with a small in-process TTL cache on the resolve hot
// path. Negative results are not cached: a hostname can become routable at
// any moment and 404s must clear quickly.
type Cache struct {
	Store

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewCache wraps store with resolve caching.
func NewCache(store Store) *Cache {
	return &Cache{Store: store, entries: make(map[string]cacheEntry)}
}

func (c *Cache) Resolve(ctx context.Context, hostname string) (Entry, error) {
	now := time.Now()
	c.mu.RLock()
	ce, ok := c.entries[hostname]
	c.mu.RUnlock()
	if ok {
		if now.Before(ce.expiresAt) && ce.entry.Live(now) {
			return ce.entry, nil
		}
		c.mu.Lock()
		if stale, exists := c.entries[hostname]; exists && !now.Before(stale.expiresAt) {
			delete(c.entries, hostname)
		}
		c.mu.Unlock()
	}

	e, err := c.Store.Resolve(ctx, hostname)
	if err != nil {
		return Entry{}, err
	}
	expiry := now.Add(cacheTTL)
	if e.LeaseExpires.Before(expiry) {
		expiry = e.LeaseExpires
	}
	c.mu.Lock()
	c.entries[hostname] = cacheEntry{entry: e, expiresAt: expiry}
	c.mu.Unlock()
	return e, nil
}

func (c *Cache) Claim(ctx context.Context, e Entry, ttl time.Duration) error {
	err := c.Store.Claim(ctx, e, ttl)
	if err == nil {
		c.Invalidate(e.Hostname)
	}
	return err
}

func (c *Cache) Release(ctx context.Context, hostname, sessionID string) error {
	c.Invalidate(hostname)
	return c.Store.Release(ctx, hostname, sessionID)
}

// Invalidate drops a cached hostname, if present.
func (c *Cache) Invalidate(hostname string) {
	c.mu.Lock()
	delete(c.entries, hostname)
	c.mu.Unlock()
}

// Cleanup evicts expired entries; called periodically by the node janitor.
func (c *Cache) Cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, ce := range c.entries {
		if !now.Before(ce.expiresAt) {
			delete(c.entries, host)
		}
	}
}
