package buffer

import "sync/atomic"

// Statistics tracks buffer activity. Safe for concurrent use.
type Statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	expired atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) write()       { s.writes.Add(1) }
func (s *Statistics) read(n int)   { s.reads.Add(int64(n)) }
func (s *Statistics) drop()        { s.drops.Add(1) }
func (s *Statistics) expire(n int) { s.expired.Add(int64(n)) }

// Writes returns the number of stored items.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items removed by Read/ReadBatch.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items lost to overflow.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// Expired returns the number of items removed by DropWhile.
func (s *Statistics) Expired() int64 { return s.expired.Load() }

// DropRate returns drops / (writes + drops).
func (s *Statistics) DropRate() float64 {
	drops := s.Drops()
	total := s.Writes() + drops
	if total == 0 {
		return 0
	}
	return float64(drops) / float64(total)
}

// StatsSummary is a snapshot of all statistics.
type StatsSummary struct {
	Writes   int64   `json:"writes"`
	Reads    int64   `json:"reads"`
	Drops    int64   `json:"drops"`
	Expired  int64   `json:"expired"`
	DropRate float64 `json:"drop_rate"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:   s.Writes(),
		Reads:    s.Reads(),
		Drops:    s.Drops(),
		Expired:  s.Expired(),
		DropRate: s.DropRate(),
	}
}
