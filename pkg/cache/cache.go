// Package cache provides the bounded response cache used by the query layer.
//
// SizedLRU bounds the aggregate byte size of its entries rather than their
// count. Entries carry a per-entry TTL; an expired entry reads as a miss and is
// removed on access. When an insert would exceed the byte budget, entries are
// evicted least-recently-used first, with ties on last access broken by the
// lowest hit count.
//
// Cache operations never return errors. A cache that cannot store a value simply
// misses later, and NewNoop gives a cache that always misses.
package cache

import "time"

// Cache is a generic byte-bounded cache with per-entry TTL.
type Cache[V any] interface {
	// Get returns the live value for key. Expired entries are removed and reported as a miss.
	Get(key string) (V, bool)

	// Lookup is Get plus the entry's metadata.
	Lookup(key string) (V, EntryInfo, bool)

	// Put stores value under key for ttl (non-positive ttl uses the cache default).
	// Returns false when the value alone exceeds the cache's byte budget.
	Put(key string, value V, ttl time.Duration) bool

	// Invalidate removes key. Returns true if an entry was removed.
	Invalidate(key string) bool

	// InvalidatePrefix removes every key starting with prefix and returns the count.
	InvalidatePrefix(prefix string) int

	// Clear removes all entries.
	Clear()

	// Sweep removes all expired entries and returns the count.
	Sweep() int

	// Len returns the number of stored entries.
	Len() int

	// Stats returns the always-on counters.
	Stats() *Statistics

	// Summary returns a point-in-time snapshot including the topN entries by hit count.
	Summary(topN int) Summary
}

// EvictCallback is called when an entry is evicted to make room.
// It receives the key and value of the evicted entry.
type EvictCallback[V any] func(key string, value V)

// Sizer reports the size in bytes a value occupies in the cache.
type Sizer[V any] func(value V) int

// EntryInfo describes a stored entry without its value.
type EntryInfo struct {
	Key        string        `json:"key"`
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl"`
	LastAccess time.Time     `json:"last_access"`
	HitCount   int64         `json:"hit_count"`
	SizeBytes  int           `json:"size_bytes"`
}

// ExpiresAt returns the instant the entry stops being served.
func (e EntryInfo) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Age returns how long ago the entry was stored.
func (e EntryInfo) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

type entry[V any] struct {
	info  EntryInfo
	value V
}

func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.info.ExpiresAt())
}
