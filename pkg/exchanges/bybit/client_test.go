package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/websocket"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) exchanges.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(exchanges.Options{RestURL: server.URL, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	return client
}

func TestFetchOHLCVParsesAndOrders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/kline", r.URL.Path)
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "60", r.URL.Query().Get("interval"))

		// Bybit lists klines newest first.
		w.Write([]byte(`{
			"retCode": 0,
			"retMsg": "OK",
			"result": {"list": [
				["3600000", "101", "103", "100", "102", "7"],
				["0", "100", "102", "99", "101", "5"]
			]}
		}`))
	})

	candles, err := client.FetchOHLCV(context.Background(), "BTCUSDT", market.Timeframe1h, time.UnixMilli(0), 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, time.UnixMilli(0).UTC(), candles[0].StartTime)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, time.UnixMilli(3600000).UTC(), candles[1].StartTime)
	assert.Equal(t, 102.0, candles[1].Close)
	assert.Equal(t, 7.0, candles[1].Volume)
}

func TestFetchOHLCVExchangeRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode": 10001, "retMsg": "params error", "result": {"list": []}}`))
	})

	_, err := client.FetchOHLCV(context.Background(), "BTCUSDT", market.Timeframe1h, time.UnixMilli(0), 10)
	require.Error(t, err)
	assert.True(t, exchanges.IsTransient(err))

	var exErr *exchanges.ExchangeError
	assert.ErrorAs(t, err, &exErr)
}

func TestFetchOHLCVMalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>gateway error</html>`},
		{"short row", `{"retCode":0,"result":{"list":[["0","100"]]}}`},
		{"bad number", `{"retCode":0,"result":{"list":[["0","abc","1","1","1","1"]]}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			})
			_, err := client.FetchOHLCV(context.Background(), "BTCUSDT", market.Timeframe1h, time.UnixMilli(0), 10)
			require.Error(t, err)
			assert.True(t, exchanges.IsDataError(err))
			assert.False(t, exchanges.IsTransient(err))
		})
	}
}

func TestFetchOHLCVUnsupportedTimeframe(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.FetchOHLCV(context.Background(), "BTCUSDT", market.Timeframe("7m"), time.UnixMilli(0), 10)
	assert.Error(t, err)
}

func TestSubscribeOHLCVDeliversUpdates(t *testing.T) {
	mock := websocket.NewMockServer()
	defer mock.Close()

	client, err := New(exchanges.Options{WSURL: mock.URL()})
	require.NoError(t, err)

	sub, err := client.SubscribeOHLCV(context.Background(), "BTCUSDT", market.Timeframe1m)
	require.NoError(t, err)
	defer sub.Close()

	// The subscribe op must reach the server before updates flow.
	require.Eventually(t, func() bool {
		return len(mock.Received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"op":"subscribe","args":["kline.1.BTCUSDT"]}`, string(mock.Received()[0]))

	mock.Broadcast([]byte(`{
		"topic": "kline.1.BTCUSDT",
		"data": [{"start": 60000, "open": "100", "high": "101", "low": "99", "close": "100.5", "volume": "3", "confirm": false}]
	}`))

	select {
	case candle := <-sub.Updates():
		assert.Equal(t, time.UnixMilli(60000).UTC(), candle.StartTime)
		assert.Equal(t, 100.5, candle.Close)
		assert.Equal(t, 3.0, candle.Volume)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for streamed candle")
	}
}

func TestSubscriptionCloseRacingDelivery(t *testing.T) {
	mock := websocket.NewMockServer()
	defer mock.Close()

	client, err := New(exchanges.Options{WSURL: mock.URL()})
	require.NoError(t, err)

	subI, err := client.SubscribeOHLCV(context.Background(), "BTCUSDT", market.Timeframe1m)
	require.NoError(t, err)
	sub, ok := subI.(*subscription)
	require.True(t, ok)

	payload := []byte(`{
		"topic": "kline.1.BTCUSDT",
		"data": [{"start": 60000, "open": "100", "high": "101", "low": "99", "close": "100.5", "volume": "3", "confirm": false}]
	}`)

	// Frames may still be in flight when the ingestor tears the subscription
	// down; deliveries racing the close must be dropped, never panic.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			sub.handleMessage(payload)
		}
	}()

	require.NoError(t, sub.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery loop did not finish")
	}

	// The updates channel still closes exactly once.
	for range sub.Updates() {
	}
}

func TestSubscriptionReportsConnectionLoss(t *testing.T) {
	mock := websocket.NewMockServer()
	defer mock.Close()

	client, err := New(exchanges.Options{WSURL: mock.URL()})
	require.NoError(t, err)

	sub, err := client.SubscribeOHLCV(context.Background(), "BTCUSDT", market.Timeframe1m)
	require.NoError(t, err)
	defer sub.Close()

	mock.DropConnections()

	select {
	case err := <-sub.Err():
		assert.True(t, exchanges.IsTransient(err))
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not surfaced on Err")
	}
}
