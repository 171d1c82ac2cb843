package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/metric"
)

func byteSizer(v []byte) int { return len(v) }

func newTestCache(t *testing.T, maxSize int, options ...Option[[]byte]) (*SizedLRU[[]byte], *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	options = append([]Option[[]byte]{WithSizer(byteSizer), WithClock[[]byte](clk)}, options...)
	c, err := NewSizedLRU[[]byte](maxSize, time.Minute, options...)
	require.NoError(t, err)
	return c, clk
}

func payload(n int) []byte { return make([]byte, n) }

func TestNewSizedLRU_InvalidArgs(t *testing.T) {
	_, err := NewSizedLRU[string](0, time.Minute)
	assert.Error(t, err)

	_, err = NewSizedLRU[string](100, 0)
	assert.Error(t, err)
}

func TestSizedLRU_GetWithinTTL(t *testing.T) {
	c, clk := newTestCache(t, 1000)

	require.True(t, c.Put("k", []byte("value"), 10*time.Second))

	clk.Add(9 * time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), v)

	clk.Add(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must miss once now >= createdAt + ttl")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on access")
	assert.Equal(t, 0, c.SizeBytes())
	assert.Equal(t, int64(1), c.Stats().Expirations())
}

func TestSizedLRU_DefaultTTL(t *testing.T) {
	c, clk := newTestCache(t, 1000)

	c.Put("k", []byte("v"), 0)
	_, info, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, time.Minute, info.TTL)

	clk.Add(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestSizedLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	// maxSize 1000: put a(600) then b(600) evicts a and leaves only b
	var evicted []string
	c, _ := newTestCache(t, 1000, WithEvictionCallback[[]byte](func(key string, value []byte) {
		evicted = append(evicted, key)
		assert.Len(t, value, 600)
	}))

	require.True(t, c.Put("a", payload(600), time.Minute))
	require.True(t, c.Put("b", payload(600), time.Minute))

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, []string{"b"}, c.Keys())
	assert.Equal(t, 600, c.SizeBytes())
	assert.Equal(t, int64(1), c.Stats().Evictions())
	assert.Equal(t, []string{"a"}, evicted)
}

func TestSizedLRU_RecencyOrder(t *testing.T) {
	c, clk := newTestCache(t, 1000)

	c.Put("a", payload(300), time.Minute)
	clk.Add(time.Millisecond)
	c.Put("b", payload(300), time.Minute)
	clk.Add(time.Millisecond)
	c.Put("c", payload(300), time.Minute)
	clk.Add(time.Millisecond)

	_, ok := c.Get("a")
	require.True(t, ok)
	clk.Add(time.Millisecond)

	c.Put("d", payload(300), time.Minute)

	assert.ElementsMatch(t, []string{"a", "c", "d"}, c.Keys())
}

func TestSizedLRU_TieBrokenByLowestHitCount(t *testing.T) {
	c, _ := newTestCache(t, 900)

	// All accesses happen at the same instant, so every entry ties on recency.
	c.Put("a", payload(300), time.Minute)
	c.Put("b", payload(300), time.Minute)
	c.Put("c", payload(300), time.Minute)

	c.Get("b")
	c.Get("b")
	c.Get("a")
	c.Get("c")
	c.Get("c")
	// recency order is now b, a, c with hits 2, 1, 2

	var evicted []string
	c.opts.evictCallback = func(key string, _ []byte) { evicted = append(evicted, key) }

	c.Put("d", payload(300), time.Minute)
	assert.Equal(t, []string{"a"}, evicted)
	assert.ElementsMatch(t, []string{"b", "c", "d"}, c.Keys())
}

func TestSizedLRU_OversizeValueNotStored(t *testing.T) {
	c, _ := newTestCache(t, 1000)

	c.Put("small", payload(100), time.Minute)
	assert.False(t, c.Put("huge", payload(1001), time.Minute))

	_, ok := c.Get("huge")
	assert.False(t, ok)
	_, ok = c.Get("small")
	assert.True(t, ok, "oversize put must not evict other entries")
	assert.Equal(t, int64(0), c.Stats().Evictions())
	assert.Equal(t, int64(1), c.Stats().Rejected())
}

func TestSizedLRU_ReplaceSameKey(t *testing.T) {
	c, _ := newTestCache(t, 1000)

	c.Put("k", payload(700), time.Minute)
	require.True(t, c.Put("k", payload(800), time.Minute))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 800, c.SizeBytes())
	assert.Equal(t, int64(0), c.Stats().Evictions())
}

func TestSizedLRU_NeverExceedsMaxSize(t *testing.T) {
	const maxSize = 2048
	c, clk := newTestCache(t, maxSize)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(200))
		switch rng.Intn(3) {
		case 0:
			c.Get(key)
		default:
			c.Put(key, payload(rng.Intn(maxSize+200)), time.Duration(rng.Intn(60))*time.Second)
		}
		clk.Add(time.Duration(rng.Intn(500)) * time.Millisecond)
		require.LessOrEqual(t, c.SizeBytes(), maxSize)
	}

	total := 0
	for _, info := range c.Summary(-1).TopEntries {
		total += info.SizeBytes
	}
	assert.Equal(t, c.SizeBytes(), total)
}

func TestSizedLRU_Invalidate(t *testing.T) {
	c, _ := newTestCache(t, 1000)

	c.Put("sets:1", payload(10), time.Minute)
	c.Put("sets:2", payload(10), time.Minute)
	c.Put("workouts:1", payload(10), time.Minute)

	assert.True(t, c.Invalidate("sets:1"))
	assert.False(t, c.Invalidate("sets:1"))

	c.Put("sets:3", payload(10), time.Minute)
	assert.Equal(t, 2, c.InvalidatePrefix("sets:"))
	assert.Equal(t, []string{"workouts:1"}, c.Keys())
	assert.Equal(t, 10, c.SizeBytes())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.SizeBytes())
}

func TestSizedLRU_Sweep(t *testing.T) {
	c, clk := newTestCache(t, 1000)

	c.Put("short", payload(10), time.Second)
	c.Put("long", payload(10), time.Hour)

	clk.Add(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []string{"long"}, c.Keys())
	assert.Equal(t, 0, c.Sweep())
}

func TestSizedLRU_Summary(t *testing.T) {
	c, _ := newTestCache(t, 1000)

	c.Put("a", payload(100), time.Minute)
	c.Put("b", payload(200), time.Minute)
	c.Put("c", payload(50), time.Minute)
	for i := 0; i < 3; i++ {
		c.Get("b")
	}
	c.Get("c")
	c.Get("missing")
	c.Put("d", payload(10), time.Minute)
	require.True(t, c.Invalidate("d"))

	s := c.Summary(2)
	assert.Equal(t, 350, s.SizeBytes)
	assert.Equal(t, 1000, s.MaxSize)
	assert.Equal(t, 3, s.EntryCount)
	assert.Equal(t, int64(4), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(4), s.Sets)
	assert.Equal(t, int64(1), s.Invalidated)
	assert.InDelta(t, 0.8, s.HitRate, 1e-9)
	require.Len(t, s.TopEntries, 2)
	assert.Equal(t, "b", s.TopEntries[0].Key)
	assert.Equal(t, int64(3), s.TopEntries[0].HitCount)
	assert.Equal(t, "c", s.TopEntries[1].Key)
}

func TestSizedLRU_DefaultJSONSizer(t *testing.T) {
	c, err := NewSizedLRU[map[string]int](10, time.Minute)
	require.NoError(t, err)

	assert.True(t, c.Put("fits", map[string]int{"a": 1}, 0)) // {"a":1} is 7 bytes
	assert.False(t, c.Put("too-big", map[string]int{"abc": 12345}, 0))
	assert.Equal(t, 7, c.SizeBytes())
}

func TestSizedLRU_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, _ := newTestCache(t, 1000, WithMetrics[[]byte](registry, "responses"))

	c.Put("a", payload(600), time.Minute)
	c.Get("a")
	c.Get("nope")
	c.Put("b", payload(600), time.Minute)

	require.NotNil(t, c.metrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.entries))
	assert.Equal(t, 600.0, testutil.ToFloat64(c.metrics.bytes))

	// Same prefix twice is a duplicate registration
	_, err := NewSizedLRU[[]byte](1000, time.Minute, WithMetrics[[]byte](registry, "responses"))
	assert.Error(t, err)
}

func TestSizedLRU_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, 4096)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (id*31+i)%50)
				c.Put(key, payload(64), time.Minute)
				c.Get(key)
				if i%20 == 0 {
					c.InvalidatePrefix("k1")
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.SizeBytes(), 4096)
}

func TestNoopCache(t *testing.T) {
	c := NewNoop[string]()

	assert.False(t, c.Put("k", "v", time.Minute))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.Summary(5).Misses)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("workouts", "user-1", map[string]any{"limit": 10, "order": "desc"})
	b := Fingerprint("workouts", "user-1", map[string]any{"order": "desc", "limit": 10})
	c := Fingerprint("workouts", "user-1", map[string]any{"limit": 20, "order": "desc"})
	d := Fingerprint("sets", "user-1", map[string]any{"limit": 10, "order": "desc"})

	assert.Equal(t, a, b, "map key order must not affect the fingerprint")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Regexp(t, `^workouts:[0-9a-f]{64}$`, a)
	assert.NotEqual(t, Fingerprint("workouts", "ab", nil), Fingerprint("workout", "sab", nil))
}
