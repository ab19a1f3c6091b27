// Package authz implements keygate's relationship-based access control:
// permission checks and grants over the tuple store, tenant lifecycle, and a
// TTL-bounded decision cache.
package authz

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a cached decision may be.
const DefaultCacheTTL = 5 * time.Minute

// timedEntry wraps a cached decision with its absolute expiry.
type timedEntry struct {
	allowed   bool
	expiresAt time.Time
}

type cacheKey struct {
	tenant   string
	user     string
	relation string
	object   string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.tenant, k.user, k.relation, k.object)
}

// Cache holds recent authorization decisions, both grants and denials.
// Mutations invalidate their exact key; everything else converges within the
// TTL. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]timedEntry

	ttl           time.Duration
	sweepInterval time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the default decision TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(interval time.Duration) CacheOption {
	return func(c *Cache) {
		c.sweepInterval = interval
	}
}

// NewCache creates a decision cache and starts its background sweeper.
// Callers must Close it.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries:     make(map[cacheKey]timedEntry),
		ttl:         DefaultCacheTTL,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = c.ttl / 5
	}

	go c.cleanupLoop()

	return c
}

// Close stops the background sweeper and waits for it to finish.
func (c *Cache) Close() error {
	close(c.stopCleanup)
	<-c.cleanupDone
	return nil
}

// get returns the cached decision and whether it was present and fresh.
func (c *Cache) get(key cacheKey) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return false, false
	}
	return entry.allowed, true
}

// put stores a decision with a fresh expiry.
func (c *Cache) put(key cacheKey, allowed bool) {
	c.mu.Lock()
	c.entries[key] = timedEntry{allowed: allowed, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// invalidate drops the exact key.
func (c *Cache) invalidate(key cacheKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// invalidateTenant drops every decision cached for the tenant.
func (c *Cache) invalidateTenant(tenant string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.tenant == tenant {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// len reports the number of entries, expired included. Test hook.
func (c *Cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock, then deletes
// under the write lock to keep write-lock hold time short.
func (c *Cache) cleanupExpired() {
	now := time.Now()

	c.mu.RLock()
	var expired []cacheKey
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	c.mu.Lock()
	for _, key := range expired {
		if entry, ok := c.entries[key]; ok && now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
