package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/veiloq/market-ingest/pkg/market"
)

// DefaultRetention is the per-series candle retention when none is configured.
const DefaultRetention = 10000

// MergeResult reports what one Merge call changed.
type MergeResult struct {
	// Merged counts candles inserted or replaced.
	Merged int

	// Applied holds the candles that actually changed cache state, in
	// timestamp order. Duplicates dropped as no-ops are absent.
	Applied []market.Candle
}

// Cache is the in-memory ordered store of recent candles, one entry per
// series. Merges into the same series are serialized by a per-entry mutex so
// historical and streaming writers never race; different series merge fully
// in parallel.
//
// Within an entry the candles are strictly sorted by start time with no
// duplicates. An incoming candle with a timestamp already present is dropped,
// unless it targets the entry's most recent bucket, which may be replaced:
// that is the exchange revising the still-open candle.
type Cache struct {
	mu        sync.RWMutex
	entries   map[market.SeriesKey]*cacheEntry
	retention int
}

type cacheEntry struct {
	mu      sync.Mutex
	candles []market.Candle
}

// NewCache creates a cache keeping at most retention candles per series.
// Non-positive retention means DefaultRetention.
func NewCache(retention int) *Cache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cache{
		entries:   make(map[market.SeriesKey]*cacheEntry),
		retention: retention,
	}
}

func (c *Cache) entry(series market.SeriesKey) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[series]
	if !ok {
		e = &cacheEntry{}
		c.entries[series] = e
	}
	return e
}

// Merge inserts candles into the series, maintaining order, dropping
// duplicate timestamps, applying the open-bucket replacement rule, and lazily
// evicting candles beyond the retention window.
func (c *Cache) Merge(series market.SeriesKey, candles []market.Candle) MergeResult {
	e := c.entry(series)
	e.mu.Lock()
	defer e.mu.Unlock()

	var result MergeResult
	for _, candle := range candles {
		if e.apply(candle) {
			result.Merged++
			result.Applied = append(result.Applied, candle)
		}
	}

	if excess := len(e.candles) - c.retention; excess > 0 {
		e.candles = append(e.candles[:0], e.candles[excess:]...)
	}

	sort.Slice(result.Applied, func(i, j int) bool {
		return result.Applied[i].StartTime.Before(result.Applied[j].StartTime)
	})
	return result
}

// apply inserts or replaces one candle. Reports whether cache state changed.
func (e *cacheEntry) apply(candle market.Candle) bool {
	n := len(e.candles)
	idx := sort.Search(n, func(i int) bool {
		return !e.candles[i].StartTime.Before(candle.StartTime)
	})

	if idx < n && e.candles[idx].StartTime.Equal(candle.StartTime) {
		// Duplicate timestamp: replace only the most recent (open) bucket.
		if idx == n-1 {
			e.candles[idx] = candle
			return true
		}
		return false
	}

	e.candles = append(e.candles, market.Candle{})
	copy(e.candles[idx+1:], e.candles[idx:])
	e.candles[idx] = candle
	return true
}

// Watermark returns the highest merged timestamp for the series, or the zero
// time when nothing has been merged.
func (c *Cache) Watermark(series market.SeriesKey) time.Time {
	c.mu.RLock()
	e, ok := c.entries[series]
	c.mu.RUnlock()
	if !ok {
		return time.Time{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.candles) == 0 {
		return time.Time{}
	}
	return e.candles[len(e.candles)-1].StartTime
}

// Query returns the cached candles with start times in [from, to] and
// reports whether the cached window fully covers the requested range. When
// covered is false the caller routes the request through the historical
// fetcher; a partial result is still returned for reference.
func (c *Cache) Query(series market.SeriesKey, from, to time.Time) (candles []market.Candle, covered bool) {
	c.mu.RLock()
	e, ok := c.entries[series]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.candles) == 0 {
		return nil, false
	}

	lo := sort.Search(len(e.candles), func(i int) bool {
		return !e.candles[i].StartTime.Before(from)
	})
	hi := sort.Search(len(e.candles), func(i int) bool {
		return e.candles[i].StartTime.After(to)
	})
	if lo < hi {
		candles = append(candles, e.candles[lo:hi]...)
	}

	first := e.candles[0].StartTime
	last := e.candles[len(e.candles)-1].StartTime
	covered = !from.Before(first) && !to.After(last)
	return candles, covered
}

// Size returns the number of cached candles for the series.
func (c *Cache) Size(series market.SeriesKey) int {
	c.mu.RLock()
	e, ok := c.entries[series]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candles)
}
