// Package cache provides a two-tier cache: an in-process TTL map in front of
// a shared durable kv.Store, so every process sees refreshed values while hot
// lookups stay off the network.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/platform/kv"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Tiered is the two-tier cache. The zero value is not usable; construct with
// NewTiered. A nil backing store degrades to in-process only.
type Tiered struct {
	mu      sync.RWMutex
	entries map[string]entry
	backing kv.Store
	ttl     time.Duration
	clock   func() time.Time
}

// NewTiered creates a cache whose entries live for ttl in both tiers.
func NewTiered(backing kv.Store, ttl time.Duration) *Tiered {
	return &Tiered{
		entries: make(map[string]entry),
		backing: backing,
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests exercising expiry.
func (c *Tiered) WithClock(clock func() time.Time) *Tiered {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// Get returns the cached value, consulting the in-process tier first and the
// backing store on miss. A backing hit repopulates the front tier.
func (c *Tiered) Get(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && cached.expiresAt.After(c.clock()) {
		return cached.value, true
	}

	if c.backing == nil {
		return "", false
	}
	value, err := c.backing.Get(ctx, key)
	if err != nil {
		return "", false
	}
	c.storeFront(key, value)
	return value, true
}

// Put writes the value to both tiers. Backing-store write failures are
// ignored; the front tier alone still serves this process.
func (c *Tiered) Put(ctx context.Context, key, value string) {
	c.storeFront(key, value)
	if c.backing != nil {
		_ = c.backing.Set(ctx, key, value, c.ttl)
	}
}

// Invalidate drops the key from both tiers.
func (c *Tiered) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if c.backing != nil {
		_ = c.backing.Delete(ctx, key)
	}
}

func (c *Tiered) storeFront(key, value string) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.clock().Add(c.ttl)}
	c.mu.Unlock()
}
