// Package cache is the freshness cache in front of the local store.
//
// Entries are valid for a TTL after they are written. Invalidate marks an
// entry stale but keeps it; Clear drops everything. Watch ties a cache to
// store change notifications so every mutation of a table invalidates the
// table's keys.
//
// A reader that fills the cache from the store takes Generation before the
// read and stores the result with SetIfUnchanged, so a listing read before a
// concurrent write is never cached after that write's invalidation.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/jobsync/internal/metrics"
)

// DefaultTTL is how long an entry is served without revalidation.
const DefaultTTL = 5 * time.Minute

type entry struct {
	data      interface{}
	timestamp time.Time
	valid     bool
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Cache maps keys to payloads with per-entry freshness.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
	metrics *metrics.Metrics

	// gens counts invalidations per key group (the part before the first ':').
	// epoch counts Clear calls.
	gens  map[string]uint64
	epoch uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits and misses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]*entry),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TableKey is the key under which a table listing is cached.
func TableKey(table string) string {
	return table
}

// RecordKey is the key under which a single record is cached.
func RecordKey(table, id string) string {
	return table + ":" + id
}

// Set stores data as a fresh, valid entry.
func (c *Cache) Set(key string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{data: data, timestamp: c.now(), valid: true}
}

// Generation returns a counter that changes whenever key may have been invalidated.
func (c *Cache) Generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generation(key)
}

// SetIfUnchanged stores data only if key has not been invalidated since gen
// was taken. It reports whether the entry was stored.
func (c *Cache) SetIfUnchanged(key string, gen uint64, data interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation(key) != gen {
		return false
	}
	c.entries[key] = &entry{data: data, timestamp: c.now(), valid: true}
	return true
}

// Get returns the payload if the entry is fresh. A stale entry is evicted.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.fresh(e) {
		c.hits++
		c.metrics.CacheHit()
		return e.data, true
	}
	if ok {
		delete(c.entries, key)
	}
	c.misses++
	c.metrics.CacheMiss()
	return nil, false
}

// Has reports freshness like Get without evicting or counting.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && c.fresh(e)
}

// Invalidate marks an entry stale without removing it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.valid = false
	}
	c.gens[group(key)]++
}

// InvalidatePrefix marks stale the key equal to prefix and every key under "prefix:".
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if key == prefix || strings.HasPrefix(key, prefix+":") {
			e.valid = false
		}
	}
	c.gens[group(prefix)]++
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.epoch++
}

// Stats returns counters and the number of stored entries, stale ones included.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// Notifier is the subscription half of the local store.
type Notifier interface {
	Subscribe(fn func(table string)) (unsubscribe func())
}

// Watch invalidates a table's keys whenever the notifier reports a change to it.
func (c *Cache) Watch(n Notifier) (stop func()) {
	return n.Subscribe(c.InvalidatePrefix)
}

func (c *Cache) fresh(e *entry) bool {
	return e.valid && c.now().Sub(e.timestamp) < c.ttl
}

// generation is monotonic: both terms only grow.
func (c *Cache) generation(key string) uint64 {
	return c.epoch + c.gens[group(key)]
}

func group(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
