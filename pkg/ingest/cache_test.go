package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/market-ingest/pkg/market"
)

func cachedCandles(t *testing.T, c *Cache, series market.SeriesKey) []market.Candle {
	t.Helper()
	candles, _ := c.Query(series, time.UnixMilli(0), time.Now().Add(24*time.Hour))
	return candles
}

func TestCacheMergeOrdersUnsortedInput(t *testing.T) {
	tf := market.Timeframe1m
	cache := NewCache(0)

	input := []market.Candle{candleAt(tf, 3), candleAt(tf, 1), candleAt(tf, 2), candleAt(tf, 0)}
	result := cache.Merge(testSeries, input)

	assert.Equal(t, 4, result.Merged)
	require.Len(t, result.Applied, 4)

	got := cachedCandles(t, cache, testSeries)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].StartTime.Before(got[i].StartTime),
			"cache must stay strictly ordered")
	}
	assert.Equal(t, got, result.Applied)
}

func TestCacheMergeIdempotent(t *testing.T) {
	tf := market.Timeframe1m
	cache := NewCache(0)
	page := candleRange(tf, 0, 10)

	first := cache.Merge(testSeries, page)
	assert.Equal(t, 10, first.Merged)

	second := cache.Merge(testSeries, page)
	// Only the newest bucket is replaceable; everything else is a no-op dup.
	assert.Equal(t, 1, second.Merged)
	assert.Equal(t, 10, cache.Size(testSeries))
	assert.Equal(t, page, cachedCandles(t, cache, testSeries))
}

func TestCacheOpenBucketReplacement(t *testing.T) {
	tf := market.Timeframe1m
	cache := NewCache(0)
	cache.Merge(testSeries, candleRange(tf, 0, 3))

	revised := candleAt(tf, 2)
	revised.Close = 107
	revised.High = 108
	result := cache.Merge(testSeries, []market.Candle{revised})
	assert.Equal(t, 1, result.Merged)

	got := cachedCandles(t, cache, testSeries)
	require.Len(t, got, 3)
	assert.Equal(t, 107.0, got[2].Close, "open bucket takes the revision")

	// A duplicate of a closed bucket is dropped, original kept.
	stale := candleAt(tf, 0)
	stale.Close = 1
	result = cache.Merge(testSeries, []market.Candle{stale})
	assert.Equal(t, 0, result.Merged)
	assert.Empty(t, result.Applied)
	assert.Equal(t, 100.5, cachedCandles(t, cache, testSeries)[0].Close)
}

func TestCacheEviction(t *testing.T) {
	tf := market.Timeframe1m
	cache := NewCache(5)
	cache.Merge(testSeries, candleRange(tf, 0, 8))

	assert.Equal(t, 5, cache.Size(testSeries))
	got := cachedCandles(t, cache, testSeries)
	require.Len(t, got, 5)
	assert.Equal(t, candleAt(tf, 3).StartTime, got[0].StartTime, "oldest evicted first")
	assert.Equal(t, candleAt(tf, 7).StartTime, cache.Watermark(testSeries))
}

func TestCacheWatermark(t *testing.T) {
	tf := market.Timeframe1m
	cache := NewCache(0)
	assert.True(t, cache.Watermark(testSeries).IsZero())

	cache.Merge(testSeries, candleRange(tf, 0, 3))
	assert.Equal(t, candleAt(tf, 2).StartTime, cache.Watermark(testSeries))
}

func TestCacheQueryCoverage(t *testing.T) {
	tf := market.Timeframe1m
	cache := NewCache(0)

	_, covered := cache.Query(testSeries, candleAt(tf, 0).StartTime, candleAt(tf, 5).StartTime)
	assert.False(t, covered, "empty series never covers")

	cache.Merge(testSeries, candleRange(tf, 10, 10))

	candles, covered := cache.Query(testSeries, candleAt(tf, 12).StartTime, candleAt(tf, 15).StartTime)
	assert.True(t, covered)
	require.Len(t, candles, 4)
	assert.Equal(t, candleAt(tf, 12).StartTime, candles[0].StartTime)

	// Range extending before the cached window is a miss even though part of
	// it is available.
	partial, covered := cache.Query(testSeries, candleAt(tf, 5).StartTime, candleAt(tf, 12).StartTime)
	assert.False(t, covered)
	assert.Len(t, partial, 3)

	// Range extending past the newest candle likewise.
	_, covered = cache.Query(testSeries, candleAt(tf, 15).StartTime, candleAt(tf, 30).StartTime)
	assert.False(t, covered)
}

func TestCacheSeriesIsolation(t *testing.T) {
	tf := market.Timeframe1m
	other := market.SeriesKey{Exchange: "fake", Symbol: "ETHUSDT", Timeframe: tf}
	cache := NewCache(0)

	cache.Merge(testSeries, candleRange(tf, 0, 4))
	cache.Merge(other, candleRange(tf, 100, 2))

	assert.Equal(t, 4, cache.Size(testSeries))
	assert.Equal(t, 2, cache.Size(other))
	assert.Equal(t, candleAt(tf, 101).StartTime, cache.Watermark(other))
}
