package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/market"
)

// testSeries is the series most tests ingest into.
var testSeries = market.SeriesKey{Exchange: "fake", Symbol: "BTCUSDT", Timeframe: market.Timeframe1m}

// candleAt builds a valid candle for the n-th bucket after the epoch.
func candleAt(tf market.Timeframe, n int) market.Candle {
	return market.Candle{
		StartTime: time.UnixMilli(int64(n) * tf.Duration().Milliseconds()).UTC(),
		Open:      100,
		High:      101,
		Low:       99,
		Close:     100.5,
		Volume:    1,
	}
}

// candleRange builds buckets [from, from+count) for the timeframe.
func candleRange(tf market.Timeframe, from, count int) []market.Candle {
	out := make([]market.Candle, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, candleAt(tf, from+i))
	}
	return out
}

// scriptedClient implements exchanges.Client with programmable behavior.
type scriptedClient struct {
	mu sync.Mutex

	// fetch is invoked per FetchOHLCV call with a 1-based call counter.
	fetch func(call int, since time.Time, limit int) ([]market.Candle, error)

	// subscribe is invoked per SubscribeOHLCV call with a 1-based counter.
	subscribe func(call int) (exchanges.Subscription, error)

	fetchCalls     int
	subscribeCalls int
}

func (c *scriptedClient) FetchOHLCV(ctx context.Context, symbol string, tf market.Timeframe, since time.Time, limit int) ([]market.Candle, error) {
	c.mu.Lock()
	c.fetchCalls++
	call := c.fetchCalls
	c.mu.Unlock()
	return c.fetch(call, since, limit)
}

func (c *scriptedClient) SubscribeOHLCV(ctx context.Context, symbol string, tf market.Timeframe) (exchanges.Subscription, error) {
	c.mu.Lock()
	c.subscribeCalls++
	call := c.subscribeCalls
	c.mu.Unlock()
	if c.subscribe == nil {
		return nil, exchanges.NewExchangeError("fake", "no subscribe script", nil)
	}
	return c.subscribe(call)
}

func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchCalls
}

// stubSubscription is a hand-driven exchanges.Subscription.
type stubSubscription struct {
	updates chan market.Candle
	errs    chan error
	once    sync.Once
}

func newStubSubscription() *stubSubscription {
	return &stubSubscription{
		updates: make(chan market.Candle, 64),
		errs:    make(chan error, 1),
	}
}

func (s *stubSubscription) Updates() <-chan market.Candle { return s.updates }
func (s *stubSubscription) Err() <-chan error             { return s.errs }

func (s *stubSubscription) Close() error {
	s.once.Do(func() { close(s.updates) })
	return nil
}

func (s *stubSubscription) push(c market.Candle) { s.updates <- c }

// drop simulates connection loss.
func (s *stubSubscription) drop() {
	s.errs <- exchanges.NewNetworkError("stub", context.DeadlineExceeded)
}

// newTestRegistry registers the scripted client under the "fake" exchange id
// with a negligible rate-limit interval.
func newTestRegistry(t *testing.T, client *scriptedClient) *exchanges.Registry {
	t.Helper()
	registry := exchanges.NewRegistry(nil)
	registry.Register("fake", func(opts exchanges.Options) (exchanges.Client, error) {
		return client, nil
	}, exchanges.AdapterConfig{RateLimitInterval: time.Microsecond})
	return registry
}

// fastFetcherConfig keeps retry backoff negligible in tests.
func fastFetcherConfig(pageLimit int) FetcherConfig {
	return FetcherConfig{
		PageLimit:   pageLimit,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}
}

func fastStreamConfig(maxRetries int) StreamConfig {
	return StreamConfig{
		MaxRetries:  maxRetries,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}
}
