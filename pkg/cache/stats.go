package cache

import (
	"sort"
	"sync/atomic"
)

// Statistics tracks cache counters. Safe for concurrent use.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	rejected    atomic.Int64
	invalidated atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) hit()             { s.hits.Add(1) }
func (s *Statistics) miss()            { s.misses.Add(1) }
func (s *Statistics) set()             { s.sets.Add(1) }
func (s *Statistics) reject()          { s.rejected.Add(1) }
func (s *Statistics) invalidate(n int) { s.invalidated.Add(int64(n)) }
func (s *Statistics) eviction()        { s.evictions.Add(1) }
func (s *Statistics) expiration(n int) { s.expirations.Add(int64(n)) }

// Hits returns the total number of cache hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the total number of cache misses, expired reads included.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of stored values.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Rejected returns the number of values too large to store.
func (s *Statistics) Rejected() int64 { return s.rejected.Load() }

// Invalidations returns the number of entries removed by explicit invalidation.
func (s *Statistics) Invalidations() int64 { return s.invalidated.Load() }

// Evictions returns the number of entries evicted to make room.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// Expirations returns the number of entries dropped because their TTL passed.
func (s *Statistics) Expirations() int64 { return s.expirations.Load() }

// HitRatio returns hits / (hits + misses), or 0 when nothing was read.
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Reset zeroes every counter.
func (s *Statistics) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.sets.Store(0)
	s.rejected.Store(0)
	s.invalidated.Store(0)
	s.evictions.Store(0)
	s.expirations.Store(0)
}

// Summary is a point-in-time cache snapshot.
type Summary struct {
	SizeBytes   int         `json:"size_bytes"`
	MaxSize     int         `json:"max_size"`
	EntryCount  int         `json:"entry_count"`
	Hits        int64       `json:"hits"`
	Misses      int64       `json:"misses"`
	Sets        int64       `json:"sets"`
	Invalidated int64       `json:"invalidated"`
	Evictions   int64       `json:"evictions"`
	Expirations int64       `json:"expirations"`
	Rejected    int64       `json:"rejected"`
	HitRate     float64     `json:"hit_rate"`
	TopEntries  []EntryInfo `json:"top_entries"`
}

// topEntries returns up to n entries ordered by hit count descending, key ascending.
func topEntries(entries []EntryInfo, n int) []EntryInfo {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].HitCount != entries[j].HitCount {
			return entries[i].HitCount > entries[j].HitCount
		}
		return entries[i].Key < entries[j].Key
	})
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
