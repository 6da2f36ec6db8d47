// Package cache implements the request cache use case: a keyed TTL cache
// that collapses concurrent fetches for the same key into one call.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"golang.org/x/sync/singleflight"

	"github.com/bnema/reach/internal/adapters/out/telemetry"
	"github.com/bnema/reach/internal/boundaries/in"
)

// Ensure Cache implements in.RequestCache.
var _ in.RequestCache = (*Cache)(nil)

// entry is a populated value. The TTL belongs to the call that populated it.
type entry struct {
	data      any
	timestamp time.Time
	ttl       time.Duration
}

// Cache memoizes fetch results per key.
// There is no background eviction: entries are replaced on refresh or removed
// on failure and explicit invalidation.
type Cache struct {
	log     zerowrap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	entries  map[string]entry
	versions map[string]uint64
	epoch    uint64
}

// New creates an empty request cache.
func New(log zerowrap.Logger) *Cache {
	return &Cache{
		log:      log,
		now:      time.Now,
		entries:  make(map[string]entry),
		versions: make(map[string]uint64),
	}
}

// SetMetrics sets the telemetry metrics for the cache.
func (c *Cache) SetMetrics(m *telemetry.Metrics) {
	c.metrics = m
}

// Get returns the cached value for key when fresh, joins an in-flight fetch
// for key, or runs fetch. A ttl <= 0 never produces a hit, even on an entry
// another caller populated with a positive ttl.
// Errors are returned to every waiter and never cached.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, fetch in.FetchFunc) (any, error) {
	if data, ok := c.lookup(key, ttl); ok {
		if c.metrics != nil {
			c.metrics.CacheHits.Add(ctx, 1)
		}
		return data, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.populate(ctx, key, ttl, fetch)
	})

	select {
	case res := <-ch:
		if res.Shared && c.metrics != nil {
			c.metrics.CacheJoins.Add(ctx, 1)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fetch is a typed wrapper around Get.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Get(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %q holds %T, not %T", key, v, zero)
	}
	return typed, nil
}

// Invalidate removes key. A fetch already running for key will not repopulate it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.versions[key]++
	c.mu.Unlock()

	c.group.Forget(key)
}

// InvalidatePrefix removes every key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	var keys []string
	for key := range c.versions {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		delete(c.entries, key)
		c.versions[key]++
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.group.Forget(key)
	}

	c.log.Debug().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "cache").
		Str("prefix", prefix).
		Int(zerowrap.FieldCount, len(keys)).
		Msg("cache keys invalidated")
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.versions))
	for key := range c.versions {
		keys = append(keys, key)
	}
	c.entries = make(map[string]entry)
	c.versions = make(map[string]uint64)
	c.epoch++
	c.mu.Unlock()

	for _, key := range keys {
		c.group.Forget(key)
	}
}

// Len returns the number of populated entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string, ttl time.Duration) (any, bool) {
	if ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.timestamp) >= e.ttl {
		return nil, false
	}
	return e.data, true
}

// populate runs inside the singleflight call for key.
func (c *Cache) populate(ctx context.Context, key string, ttl time.Duration, fetch in.FetchFunc) (data any, err error) {
	// Double-check: a fetch may have completed between lookup and DoChan.
	if data, ok := c.lookup(key, ttl); ok {
		return data, nil
	}

	if c.metrics != nil {
		c.metrics.CacheMisses.Add(ctx, 1)
	}

	c.mu.Lock()
	// Mark the key as known so InvalidatePrefix and Clear reach in-flight fetches.
	version := c.versions[key]
	c.versions[key] = version
	epoch := c.epoch
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch for cache key %q panicked: %v", key, r)
		}
		if err != nil {
			c.evict(key)
			c.log.Debug().
				Str(zerowrap.FieldLayer, "usecase").
				Str(zerowrap.FieldUseCase, "cache").
				Str("key", key).
				Err(err).
				Msg("fetch failed, entry evicted")
		}
	}()

	// The fetch is shared by every waiter, so one caller giving up must not cancel it.
	data, err = fetch(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch == epoch && c.versions[key] == version {
		c.entries[key] = entry{data: data, timestamp: c.now(), ttl: ttl}
	}
	c.mu.Unlock()

	return data, nil
}

func (c *Cache) evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
