package exchanges

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/market-ingest/pkg/market"
)

type fakeClient struct {
	fetches int
	closed  bool
}

func (c *fakeClient) FetchOHLCV(ctx context.Context, symbol string, tf market.Timeframe, since time.Time, limit int) ([]market.Candle, error) {
	c.fetches++
	return []market.Candle{{StartTime: since, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}, nil
}

func (c *fakeClient) SubscribeOHLCV(ctx context.Context, symbol string, tf market.Timeframe) (Subscription, error) {
	return nil, NewExchangeError("fake", "streaming not supported", nil)
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func TestRegistryUnknownExchange(t *testing.T) {
	registry := NewRegistry(nil)

	_, err := registry.Get("hyperliquid")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedExchange)
}

func TestRegistryConstructsOnce(t *testing.T) {
	registry := NewRegistry(nil)

	var constructed int
	registry.Register("bybit", func(opts Options) (Client, error) {
		constructed++
		return &fakeClient{}, nil
	}, AdapterConfig{})

	first, err := registry.Get("bybit")
	require.NoError(t, err)
	second, err := registry.Get("bybit")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, constructed)
	assert.Equal(t, "bybit", first.ID())
}

func TestRegistryNonOptimizedExchangeAllowed(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Register("okx", func(opts Options) (Client, error) {
		return &fakeClient{}, nil
	}, AdapterConfig{})

	// Registered but not in the optimized list: advisory only, no error.
	adapter, err := registry.Get("okx")
	require.NoError(t, err)
	assert.NotNil(t, adapter)
}

func TestAdapterFetchGoesThroughRateLimit(t *testing.T) {
	registry := NewRegistry(nil)
	client := &fakeClient{}
	registry.Register("bybit", func(opts Options) (Client, error) {
		return client, nil
	}, AdapterConfig{RateLimitInterval: 10 * time.Millisecond})

	adapter, err := registry.Get("bybit")
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := adapter.FetchOHLCV(context.Background(), "BTCUSDT", market.Timeframe1h, time.Now(), 10)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond,
		"three fetches must span at least two rate-limit intervals")
	assert.Equal(t, 3, client.fetches)
}

func TestAdapterFetchCancelledDuringWait(t *testing.T) {
	registry := NewRegistry(nil)
	client := &fakeClient{}
	registry.Register("bybit", func(opts Options) (Client, error) {
		return client, nil
	}, AdapterConfig{RateLimitInterval: time.Minute})

	adapter, err := registry.Get("bybit")
	require.NoError(t, err)

	// Consume the immediate slot.
	_, err = adapter.FetchOHLCV(context.Background(), "BTCUSDT", market.Timeframe1h, time.Now(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = adapter.FetchOHLCV(ctx, "BTCUSDT", market.Timeframe1h, time.Now(), 10)
	require.Error(t, err)
	assert.Equal(t, 1, client.fetches, "cancelled wait must not reach the client")
}

func TestRegistryClose(t *testing.T) {
	registry := NewRegistry(nil)
	client := &fakeClient{}
	registry.Register("kraken", func(opts Options) (Client, error) {
		return client, nil
	}, AdapterConfig{})

	_, err := registry.Get("kraken")
	require.NoError(t, err)
	require.NoError(t, registry.Close())
	assert.True(t, client.closed)
}
