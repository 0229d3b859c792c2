// Package cache provides a generic, thread-safe cache that evicts the least
// recently used entry once full and treats entries older than their TTL as
// absent.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
)

// Option configures a Cache
type Option[V any] func(*Cache[V])

// WithMetrics exports hit, miss and eviction counters under prefix. A nil
// registry or empty prefix is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(c *Cache[V]) {
		if registry != nil && prefix != "" {
			c.registry = registry
			c.prefix = prefix
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache holds at most maxSize entries for ttl each
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	now     func() time.Time

	registry *metric.MetricsRegistry
	prefix   string
	metrics  *cacheMetrics
}

// New creates a cache. maxSize and ttl must be positive.
func New[V any](maxSize int, ttl time.Duration, opts ...Option[V]) (*Cache[V], error) {
	if maxSize <= 0 || ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "New",
			"max size and ttl must be positive")
	}

	c := &Cache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.registry != nil {
		m, err := newCacheMetrics(c.registry, c.prefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the live value for key
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.metrics.recordMiss()
		return zero, false
	}

	e := el.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.remove(el)
		c.metrics.recordEviction()
		c.metrics.recordMiss()
		return zero, false
	}

	c.order.MoveToFront(el)
	c.metrics.recordHit()
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full
func (c *Cache[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidID, "cache", "Set", "key cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value, e.expiresAt = value, expiresAt
		c.order.MoveToFront(el)
		return nil
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
		c.metrics.recordEviction()
	}
	c.metrics.updateSize(len(c.items))
	return nil
}

// Delete removes key and reports whether it was present
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if ok {
		c.remove(el)
	}
	return ok
}

// Clear removes every entry
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.metrics.updateSize(0)
}

// Len returns the number of entries, including expired ones not yet evicted
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
	c.metrics.updateSize(len(c.items))
}
