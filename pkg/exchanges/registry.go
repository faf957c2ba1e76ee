package exchanges

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/ratelimit"
)

// optimizedExchanges lists the exchanges this pipeline is tuned for. Other
// registered exchanges still work, with a logged advisory.
var optimizedExchanges = map[string]bool{
	"binance":  true,
	"coinbase": true,
	"kraken":   true,
	"bybit":    true,
}

// AdapterConfig holds the per-exchange settings the Registry applies when it
// constructs an adapter.
type AdapterConfig struct {
	// RateLimitInterval is the minimum spacing between requests. Zero means
	// ratelimit.DefaultInterval.
	RateLimitInterval time.Duration

	// Options are passed through to the client factory.
	Options Options
}

// Registry maps exchange identifiers to configured adapters. Factories are
// registered up front; adapters are constructed lazily, once per exchange,
// and reused for the life of the process.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	configs   map[string]AdapterConfig
	adapters  map[string]*Adapter
	logger    logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Registry{
		factories: make(map[string]Factory),
		configs:   make(map[string]AdapterConfig),
		adapters:  make(map[string]*Adapter),
		logger:    logger,
	}
}

// Register adds a client factory for an exchange identifier, replacing any
// previous registration. Registration happens at startup so that unknown
// identifiers fail fast at Get time.
func (r *Registry) Register(id string, factory Factory, cfg AdapterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
	r.configs[id] = cfg
}

// Get returns the adapter for the exchange, constructing it on first use.
// Unknown identifiers fail with ErrUnsupportedExchange. A registered exchange
// outside the optimized set is permitted with a logged advisory.
func (r *Registry) Get(id string) (*Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if adapter, ok := r.adapters[id]; ok {
		return adapter, nil
	}

	factory, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, id)
	}
	if !optimizedExchanges[id] {
		r.logger.Warn("exchange not in optimized list",
			logging.String("exchange", id))
	}

	cfg := r.configs[id]
	client, err := factory(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("construct %s client: %w", id, err)
	}

	adapter := &Adapter{
		id:      id,
		client:  client,
		limiter: ratelimit.NewIntervalLimiter(cfg.RateLimitInterval),
	}
	r.adapters[id] = adapter
	r.logger.Info("exchange adapter initialized",
		logging.String("exchange", id),
		logging.Duration("rate_limit_interval", adapter.limiter.Interval()))
	return adapter, nil
}

// Close closes every constructed adapter.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, adapter := range r.adapters {
		if err := adapter.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s client: %w", id, err)
		}
	}
	r.adapters = make(map[string]*Adapter)
	return firstErr
}

// Adapter pairs one exchange client with that exchange's rate-limit state.
// All REST fetches against the exchange go through the adapter and are
// serialized by its limiter; adapters for different exchanges are fully
// independent.
type Adapter struct {
	id      string
	client  Client
	limiter ratelimit.IntervalLimiter
}

// ID returns the exchange identifier.
func (a *Adapter) ID() string { return a.id }

// FetchOHLCV acquires the exchange's rate limit slot, then delegates to the
// client. A cancelled context unblocks the rate-limit wait.
func (a *Adapter) FetchOHLCV(ctx context.Context, symbol string, tf market.Timeframe, since time.Time, limit int) ([]market.Candle, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.client.FetchOHLCV(ctx, symbol, tf, since, limit)
}

// SubscribeOHLCV opens a streaming subscription. Subscriptions are not rate
// limited; they are long-lived connections rather than request traffic.
func (a *Adapter) SubscribeOHLCV(ctx context.Context, symbol string, tf market.Timeframe) (Subscription, error) {
	return a.client.SubscribeOHLCV(ctx, symbol, tf)
}

// SetRateLimitInterval adjusts the exchange's request spacing at runtime.
func (a *Adapter) SetRateLimitInterval(interval time.Duration) error {
	return a.limiter.SetInterval(interval)
}
