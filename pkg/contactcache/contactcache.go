// Package contactcache is a small in-memory TTL cache for resolved
// contact ids. Failed resolutions are cached too (as empty ids) so the
// control plane is not hammered for contacts that keep erroring.
package contactcache

import (
	"sync"
	"time"
)

type entry struct {
	contactID string
	expiresAt time.Time
}

type Cache struct {
	mu      sync.RWMutex
	max     int
	entries map[string]entry
	now     func() time.Time
}

// New returns a cache that soft-purges once it grows past max entries.
func New(max int) *Cache {
	return &Cache{
		max:     max,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached contact id for a key. ok=true with an empty id
// means the resolution failed recently and should not be retried yet.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.contactID, true
}

// Put stores a contact id (possibly empty for a negative entry) with the
// given TTL.
func (c *Cache) Put(key, contactID string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		c.purgeLocked()
	}
	c.entries[key] = entry{contactID: contactID, expiresAt: c.now().Add(ttl)}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// purgeLocked drops expired entries first; if the cache is still full it
// evicts the entries closest to expiry.
func (c *Cache) purgeLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.max {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.expiresAt.Before(oldest) {
				oldestKey, oldest = k, e.expiresAt
			}
		}
		delete(c.entries, oldestKey)
	}
}
