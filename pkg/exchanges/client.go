// Package exchanges defines the exchange client contract and the registry
// that maps exchange identifiers to configured, rate-limited adapters.
//
// A Client is the transport boundary: it knows how to fetch kline pages over
// REST and how to hold a streaming subscription open. Everything above the
// Client (pagination, validation, caching, retry policy) is exchange-agnostic
// and lives in pkg/ingest. Clients are constructed once per exchange per
// process and reused; the Registry owns that lifecycle together with each
// exchange's rate-limit state.
package exchanges

import (
	"context"
	"time"

	"github.com/veiloq/market-ingest/pkg/market"
)

// Client is implemented per exchange. Implementations must return candles in
// chronological order (oldest first) and surface failures through the typed
// errors of this package: NetworkError for transport problems, ExchangeError
// for upstream rejections, and ErrMalformedPayload for responses that cannot
// be decoded.
type Client interface {
	// FetchOHLCV retrieves up to limit candles for the symbol and timeframe,
	// starting at the bucket containing since. Exchanges commonly include the
	// since bucket itself in the response; callers paginating over a range
	// must tolerate that overlap. The returned slice stays owned by the
	// client; callers that filter or reorder must copy first.
	FetchOHLCV(ctx context.Context, symbol string, tf market.Timeframe, since time.Time, limit int) ([]market.Candle, error)

	// SubscribeOHLCV opens a streaming subscription for incremental candle
	// updates. The subscription stays open until Close is called, the context
	// is cancelled, or the transport fails; transport failure is reported on
	// the subscription's error channel, after which the subscription is dead
	// and the caller decides whether to resubscribe.
	SubscribeOHLCV(ctx context.Context, symbol string, tf market.Timeframe) (Subscription, error)

	// Close releases any transport resources held by the client.
	Close() error
}

// Subscription is one live OHLCV stream.
type Subscription interface {
	// Updates delivers incremental candle updates in arrival order. The
	// channel is closed when the subscription ends.
	Updates() <-chan market.Candle

	// Err reports the terminal transport or decode failure, if any. At most
	// one error is delivered.
	Err() <-chan error

	// Close terminates the subscription. Safe to call more than once.
	Close() error
}

// Factory constructs a Client for one exchange.
type Factory func(opts Options) (Client, error)

// Options carries the per-exchange settings a Factory may use.
type Options struct {
	// RestURL and WSURL override the exchange's default endpoints when set.
	RestURL string
	WSURL   string

	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration
}
