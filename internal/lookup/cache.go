// Package lookup provides a small TTL cache for platform metadata lookups
// with single-flight fetch coalescing.
package lookup

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hibari/pkg/hibari"

	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL        = 5 * time.Minute
	defaultMaxEntries = 5000
)

// Option customizes one Cache.
type Option[V any] func(*Cache[V])

// WithLogger overrides the default logger.
func WithLogger[V any](logger *slog.Logger) Option[V] {
	return func(c *Cache[V]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTTL sets the entry lifetime. Zero disables expiry, which suits
// identity lookups that never change within a process lifetime.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) {
		if ttl >= 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries bounds resident entries. Zero disables the bound.
func WithMaxEntries[V any](max int) Option[V] {
	return func(c *Cache[V]) {
		if max >= 0 {
			c.maxEntries = max
		}
	}
}

// WithDeniedFallback installs a fallback value producer for lookups the
// platform refuses. The fallback is cached for the normal TTL so one
// restricted key costs at most one upstream call per window.
func WithDeniedFallback[V any](fallback func(key string) V) Option[V] {
	return func(c *Cache[V]) {
		c.deniedFallback = fallback
	}
}

func withClock[V any](clock func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		if clock != nil {
			c.clock = clock
		}
	}
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache is a concurrency-safe TTL cache keyed by string.
//
// Concurrent misses on the same key collapse into one upstream fetch; every
// waiter receives the same result. Resident entries are bounded by an LRU
// over insertion and access order.
type Cache[V any] struct {
	ttl            time.Duration
	maxEntries     int
	logger         *slog.Logger
	clock          func() time.Time
	deniedFallback func(key string) V

	flight singleflight.Group

	mu    sync.Mutex
	lru   *list.List
	index map[string]*list.Element
}

// New constructs one cache with a 5 minute TTL and 5000 entry bound.
func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		ttl:        defaultTTL,
		maxEntries: defaultMaxEntries,
		logger:     slog.Default(),
		clock:      time.Now,
		lru:        list.New(),
		index:      make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the cached value for key without fetching.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lookupLocked(key)
}

// Put stores value under key with the cache TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeLocked(key, value)
}

// Invalidate removes key so the next access refetches.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.index[key]; exists {
		c.removeLocked(element)
	}
}

// Len returns the resident entry count.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.index)
}

// GetOrFetch returns the cached value for key, fetching on miss.
//
// Permission-denied fetch failures resolve to the configured fallback value
// and are cached; transient failures are returned to the caller uncached.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	var zero V
	if ctx == nil {
		return zero, fmt.Errorf("lookup get or fetch: nil context")
	}
	if fetch == nil {
		return zero, fmt.Errorf("lookup get or fetch: nil fetch func")
	}

	c.mu.Lock()
	if value, hit := c.lookupLocked(key); hit {
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	result, err, _ := c.flight.Do(key, func() (any, error) {
		// A concurrent fetch may have landed while this caller queued.
		c.mu.Lock()
		if value, hit := c.lookupLocked(key); hit {
			c.mu.Unlock()
			return value, nil
		}
		c.mu.Unlock()

		value, fetchErr := fetch(ctx)
		if fetchErr == nil {
			c.mu.Lock()
			c.storeLocked(key, value)
			c.mu.Unlock()
			return value, nil
		}
		if errors.Is(fetchErr, hibari.ErrPermissionDenied) && c.deniedFallback != nil {
			fallback := c.deniedFallback(key)
			c.mu.Lock()
			c.storeLocked(key, fallback)
			c.mu.Unlock()
			c.logger.WarnContext(ctx, "lookup denied, caching fallback", "key", key)
			return fallback, nil
		}

		return nil, fetchErr
	})
	if err != nil {
		return zero, fmt.Errorf("lookup fetch %s: %w", key, err)
	}

	value, ok := result.(V)
	if !ok {
		return zero, fmt.Errorf("lookup fetch %s: unexpected result type %T", key, result)
	}

	return value, nil
}

func (c *Cache[V]) lookupLocked(key string) (V, bool) {
	var zero V
	element, exists := c.index[key]
	if !exists {
		return zero, false
	}

	cached := element.Value.(*entry[V])
	if c.isExpired(cached) {
		c.removeLocked(element)
		return zero, false
	}
	c.lru.MoveToFront(element)

	return cached.value, true
}

func (c *Cache[V]) storeLocked(key string, value V) {
	if element, exists := c.index[key]; exists {
		cached := element.Value.(*entry[V])
		cached.value = value
		cached.expiresAt = c.expiryFrom(c.clock())
		c.lru.MoveToFront(element)
		return
	}

	element := c.lru.PushFront(&entry[V]{
		key:       key,
		value:     value,
		expiresAt: c.expiryFrom(c.clock()),
	})
	c.index[key] = element
	c.trimToCapacityLocked()
}

func (c *Cache[V]) trimToCapacityLocked() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.index) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest)
	}
}

func (c *Cache[V]) removeLocked(element *list.Element) {
	cached := element.Value.(*entry[V])
	delete(c.index, cached.key)
	c.lru.Remove(element)
}

func (c *Cache[V]) isExpired(cached *entry[V]) bool {
	if cached.expiresAt.IsZero() {
		return false
	}

	return !c.clock().Before(cached.expiresAt)
}

func (c *Cache[V]) expiryFrom(now time.Time) time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}

	return now.Add(c.ttl)
}
