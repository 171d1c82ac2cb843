package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// SizedLRU is a byte-bounded LRU cache with per-entry TTL.
// The recency list is a simplelru.LRU with an effectively unlimited entry count;
// the byte budget is enforced here.
type SizedLRU[V any] struct {
	mu         sync.Mutex
	items      *simplelru.LRU[string, *entry[V]]
	maxSize    int
	size       int
	defaultTTL time.Duration

	opts    *cacheOptions[V]
	stats   *Statistics
	metrics *cacheMetrics
}

// NewSizedLRU creates a cache holding at most maxSize bytes of values.
// defaultTTL applies to Put calls with a non-positive ttl.
func NewSizedLRU[V any](maxSize int, defaultTTL time.Duration, options ...Option[V]) (*SizedLRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "SizedLRU", "New",
			fmt.Sprintf("max size must be positive, got %d", maxSize))
	}
	if defaultTTL <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "SizedLRU", "New",
			fmt.Sprintf("default ttl must be positive, got %v", defaultTTL))
	}

	items, err := simplelru.NewLRU[string, *entry[V]](math.MaxInt32, nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "SizedLRU", "New", "create recency list")
	}

	opts := applyOptions(options...)
	c := &SizedLRU[V]{
		items:      items,
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		opts:       opts,
		stats:      NewStatistics(),
	}

	if opts.metricsReg != nil {
		m, err := newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}

	return c, nil
}

// Get returns the live value stored under key.
func (c *SizedLRU[V]) Get(key string) (V, bool) {
	v, _, ok := c.Lookup(key)
	return v, ok
}

// Lookup returns the live value and its metadata. A hit refreshes recency and
// increments the entry's hit count.
func (c *SizedLRU[V]) Lookup(key string) (V, EntryInfo, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Get(key)
	if !ok {
		c.stats.miss()
		c.metrics.recordMiss()
		return zero, EntryInfo{}, false
	}

	now := c.opts.clock.Now()
	if e.expired(now) {
		c.removeLocked(key, e)
		c.stats.expiration(1)
		c.stats.miss()
		c.metrics.recordMiss()
		return zero, EntryInfo{}, false
	}

	e.info.HitCount++
	e.info.LastAccess = now
	c.stats.hit()
	c.metrics.recordHit()
	return e.value, e.info, true
}

// Put stores value under key. Entries are evicted least-recently-used first
// until the new value fits. A value larger than the whole budget is not stored,
// evicts nothing, and drops any previous value for the same key.
func (c *SizedLRU[V]) Put(key string, value V, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	size := c.opts.sizer(value)
	if size < 0 {
		size = 0
	}

	var evicted []*entry[V]

	c.mu.Lock()
	if old, ok := c.items.Peek(key); ok {
		c.removeLocked(key, old)
	}

	if size > c.maxSize {
		c.stats.reject()
		c.metrics.recordRejected()
		c.metrics.updateSize(c.items.Len(), c.size)
		c.mu.Unlock()
		return false
	}

	for c.size+size > c.maxSize {
		victim, ok := c.victimLocked()
		if !ok {
			break
		}
		c.removeLocked(victim.info.Key, victim)
		c.stats.eviction()
		c.metrics.recordEviction()
		evicted = append(evicted, victim)
	}

	now := c.opts.clock.Now()
	c.items.Add(key, &entry[V]{
		info: EntryInfo{
			Key:        key,
			CreatedAt:  now,
			TTL:        ttl,
			LastAccess: now,
			SizeBytes:  size,
		},
		value: value,
	})
	c.size += size
	c.stats.set()
	c.metrics.updateSize(c.items.Len(), c.size)
	c.mu.Unlock()

	if c.opts.evictCallback != nil {
		for _, e := range evicted {
			c.opts.evictCallback(e.info.Key, e.value)
		}
	}
	return true
}

// victimLocked picks the eviction candidate: the least recently used entry,
// and among entries sharing that last-access instant the one with the fewest hits.
// Entries sharing an instant are adjacent in recency order since the clock is monotonic.
func (c *SizedLRU[V]) victimLocked() (*entry[V], bool) {
	_, oldest, ok := c.items.GetOldest()
	if !ok {
		return nil, false
	}

	victim := oldest
	for _, key := range c.items.Keys() {
		e, _ := c.items.Peek(key)
		if !e.info.LastAccess.Equal(oldest.info.LastAccess) {
			break
		}
		if e.info.HitCount < victim.info.HitCount {
			victim = e
		}
	}
	return victim, true
}

func (c *SizedLRU[V]) removeLocked(key string, e *entry[V]) {
	if c.items.Remove(key) {
		c.size -= e.info.SizeBytes
	}
}

// Invalidate removes key.
func (c *SizedLRU[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Peek(key)
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	c.stats.invalidate(1)
	c.metrics.updateSize(c.items.Len(), c.size)
	return true
}

// InvalidatePrefix removes every key beginning with prefix.
func (c *SizedLRU[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.items.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := c.items.Peek(key); ok {
			c.removeLocked(key, e)
			removed++
		}
	}
	c.stats.invalidate(removed)
	c.metrics.updateSize(c.items.Len(), c.size)
	return removed
}

// Clear removes all entries. Counters are kept.
func (c *SizedLRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.invalidate(c.items.Len())
	c.items.Purge()
	c.size = 0
	c.metrics.updateSize(0, 0)
}

// Sweep removes every expired entry.
func (c *SizedLRU[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.clock.Now()
	removed := 0
	for _, key := range c.items.Keys() {
		e, ok := c.items.Peek(key)
		if ok && e.expired(now) {
			c.removeLocked(key, e)
			removed++
		}
	}
	c.stats.expiration(removed)
	c.metrics.updateSize(c.items.Len(), c.size)
	return removed
}

// Len returns the number of stored entries, expired ones not yet swept included.
func (c *SizedLRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// SizeBytes returns the aggregate size of stored entries.
func (c *SizedLRU[V]) SizeBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the byte budget.
func (c *SizedLRU[V]) MaxSize() int {
	return c.maxSize
}

// Keys returns keys from least to most recently used.
func (c *SizedLRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Keys()
}

// Stats returns the cache counters.
func (c *SizedLRU[V]) Stats() *Statistics {
	return c.stats
}

// Summary returns a snapshot with the topN entries by hit count.
func (c *SizedLRU[V]) Summary(topN int) Summary {
	c.mu.Lock()
	infos := make([]EntryInfo, 0, c.items.Len())
	for _, e := range c.items.Values() {
		infos = append(infos, e.info)
	}
	size, count := c.size, c.items.Len()
	c.mu.Unlock()

	return Summary{
		SizeBytes:   size,
		MaxSize:     c.maxSize,
		EntryCount:  count,
		Hits:        c.stats.Hits(),
		Misses:      c.stats.Misses(),
		Sets:        c.stats.Sets(),
		Invalidated: c.stats.Invalidations(),
		Evictions:   c.stats.Evictions(),
		Expirations: c.stats.Expirations(),
		Rejected:    c.stats.Rejected(),
		HitRate:     c.stats.HitRatio(),
		TopEntries:  topEntries(infos, topN),
	}
}

// JSONSizer sizes a value by the length of its JSON encoding.
// Values that cannot be encoded fall back to their formatted length.
func JSONSizer[V any](value V) int {
	data, err := json.Marshal(value)
	if err != nil {
		return len(fmt.Sprint(value))
	}
	return len(data)
}
