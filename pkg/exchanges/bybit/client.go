// Package bybit implements the exchange client for Bybit's v5 spot API:
// kline history over REST and kline updates over the public WebSocket stream.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/veiloq/market-ingest/pkg/common"
	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/websocket"
)

const (
	defaultRestURL = "https://api.bybit.com"
	defaultWSURL   = "wss://stream.bybit.com/v5/public/spot"
)

// intervals maps pipeline timeframes to Bybit kline interval codes.
var intervals = map[market.Timeframe]string{
	market.Timeframe1m:  "1",
	market.Timeframe5m:  "5",
	market.Timeframe15m: "15",
	market.Timeframe30m: "30",
	market.Timeframe1h:  "60",
	market.Timeframe4h:  "240",
	market.Timeframe1d:  "D",
}

type client struct {
	restURL string
	wsURL   string
	http    common.HTTPClient
	logger  logging.Logger
}

// New constructs a Bybit client. It satisfies exchanges.Factory.
func New(opts exchanges.Options) (exchanges.Client, error) {
	restURL := defaultRestURL
	if opts.RestURL != "" {
		restURL = opts.RestURL
	}
	wsURL := defaultWSURL
	if opts.WSURL != "" {
		wsURL = opts.WSURL
	}

	logger := logging.NewLogger().WithFields(logging.String("exchange", "bybit"))
	httpCfg := common.DefaultConfig()
	httpCfg.Timeout = opts.RequestTimeout
	httpCfg.Logger = logger
	// The registry adapter already serializes requests through the
	// exchange's interval limiter, so the HTTP client runs without one.
	return &client{
		restURL: restURL,
		wsURL:   wsURL,
		http:    common.NewHTTPClient(httpCfg),
		logger:  logger,
	}, nil
}

// klineResponse is the REST kline envelope. The list rows are
// [startMs, open, high, low, close, volume, turnover], newest first.
type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

func (c *client) FetchOHLCV(ctx context.Context, symbol string, tf market.Timeframe, since time.Time, limit int) ([]market.Candle, error) {
	interval, ok := intervals[tf]
	if !ok {
		return nil, exchanges.NewExchangeError("bybit",
			fmt.Sprintf("unsupported timeframe %q", tf), nil)
	}

	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("start", strconv.FormatInt(since.UnixMilli(), 10))
	query.Set("limit", strconv.Itoa(limit))

	body, err := c.http.Get(ctx, c.restURL+"/v5/market/kline?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var resp klineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode kline response: %v", exchanges.ErrMalformedPayload, err)
	}
	if resp.RetCode != 0 {
		return nil, exchanges.NewExchangeError("bybit",
			fmt.Sprintf("kline request rejected: retCode=%d retMsg=%s", resp.RetCode, resp.RetMsg), nil)
	}

	candles := make([]market.Candle, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}

	// Bybit returns newest first; the pipeline expects oldest first.
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].StartTime.Before(candles[j].StartTime)
	})
	return candles, nil
}

func parseKlineRow(row []string) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, fmt.Errorf("%w: kline row has %d fields", exchanges.ErrMalformedPayload, len(row))
	}

	startMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("%w: kline start %q", exchanges.ErrMalformedPayload, row[0])
	}

	values := make([]float64, 5)
	for i, raw := range row[1:6] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("%w: kline field %q", exchanges.ErrMalformedPayload, raw)
		}
		values[i] = v
	}

	return market.Candle{
		StartTime: time.UnixMilli(startMs).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

func (c *client) SubscribeOHLCV(ctx context.Context, symbol string, tf market.Timeframe) (exchanges.Subscription, error) {
	interval, ok := intervals[tf]
	if !ok {
		return nil, exchanges.NewExchangeError("bybit",
			fmt.Sprintf("unsupported timeframe %q", tf), nil)
	}
	topic := fmt.Sprintf("kline.%s.%s", interval, symbol)

	connector := websocket.New(websocket.Config{
		URL:               c.wsURL,
		HeartbeatInterval: 20 * time.Second,
		SubscribeMessage: func(topic string) interface{} {
			return map[string]interface{}{"op": "subscribe", "args": []string{topic}}
		},
		UnsubscribeMessage: func(topic string) interface{} {
			return map[string]interface{}{"op": "unsubscribe", "args": []string{topic}}
		},
		Logger: c.logger,
	})
	if err := connector.Connect(ctx); err != nil {
		return nil, err
	}

	sub := &subscription{
		connector: connector,
		updates:   make(chan market.Candle, 64),
		errCh:     make(chan error, 1),
	}

	if err := connector.Subscribe(topic, sub.handleMessage); err != nil {
		_ = connector.Close()
		return nil, err
	}

	go sub.watch()
	return sub, nil
}

func (c *client) Close() error {
	// REST is stateless and each subscription owns its connection.
	return nil
}

// subscription adapts a websocket connector to exchanges.Subscription.
//
// mu serializes deliveries against the close of the updates channel: the
// connector's read loop may still be dispatching a frame when Done fires, so
// watch must not close the channel until no delivery is in flight.
type subscription struct {
	connector *websocket.Connector
	updates   chan market.Candle
	errCh     chan error

	mu     sync.Mutex
	closed bool
}

// klineUpdate is the streaming kline envelope.
type klineUpdate struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

func (s *subscription) handleMessage(message []byte) {
	var update klineUpdate
	if err := json.Unmarshal(message, &update); err != nil {
		// A single undecodable frame is dropped; the validator and merge
		// layer never see it.
		return
	}

	for _, row := range update.Data {
		open, err1 := strconv.ParseFloat(row.Open, 64)
		high, err2 := strconv.ParseFloat(row.High, 64)
		low, err3 := strconv.ParseFloat(row.Low, 64)
		closeP, err4 := strconv.ParseFloat(row.Close, 64)
		volume, err5 := strconv.ParseFloat(row.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		s.deliver(market.Candle{
			StartTime: time.UnixMilli(row.Start).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    volume,
		})
	}
}

// deliver hands one candle to the consumer without ever blocking the read
// loop. Updates arriving after the subscription ended are dropped.
func (s *subscription) deliver(candle market.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.updates <- candle:
	default:
		// Consumer is not keeping up; drop the oldest pending update in
		// favor of the newer one.
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- candle:
		default:
		}
	}
}

func (s *subscription) watch() {
	<-s.connector.Done()
	if err := s.connector.Err(); err != nil {
		s.errCh <- err
	}

	s.mu.Lock()
	s.closed = true
	close(s.updates)
	s.mu.Unlock()
}

func (s *subscription) Updates() <-chan market.Candle { return s.updates }
func (s *subscription) Err() <-chan error             { return s.errCh }
func (s *subscription) Close() error                  { return s.connector.Close() }
