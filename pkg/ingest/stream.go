package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/store"
)

// StreamState is the lifecycle state of one series subscription.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateSubscribing
	StateStreaming
	StateReconnecting
)

// String returns the state name.
func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StreamConfig holds subscription reconnect settings. The backoff policy is
// shared with historical fetch retries.
type StreamConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultStreamConfig mirrors the documented defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// StreamHandle is the caller's view of one live subscription.
type StreamHandle struct {
	// ID identifies the subscription.
	ID uuid.UUID

	series  market.SeriesKey
	updates chan market.Candle
	fatal   chan error
	cancel  context.CancelFunc
	state   atomic.Int32

	closeOnce sync.Once
}

// Updates delivers validated, merged candles in timestamp order. The channel
// closes when the subscription ends, for any reason.
func (h *StreamHandle) Updates() <-chan market.Candle { return h.updates }

// Err delivers the terminal StreamLostError when the reconnect cap is
// exceeded. The channel is closed when the subscription ends; a close with no
// preceding error (explicit unsubscribe, context cancellation) means the
// stream did not fail.
func (h *StreamHandle) Err() <-chan error { return h.fatal }

// Series returns the subscribed series.
func (h *StreamHandle) Series() market.SeriesKey { return h.series }

// State returns the current lifecycle state.
func (h *StreamHandle) State() StreamState {
	return StreamState(h.state.Load())
}

// Unsubscribe terminates the subscription. It is terminal and safe to call
// from any state, any number of times.
func (h *StreamHandle) Unsubscribe() {
	h.closeOnce.Do(h.cancel)
}

func (h *StreamHandle) setState(s StreamState) {
	h.state.Store(int32(s))
}

// StreamIngestor maintains long-lived OHLCV subscriptions and merges their
// updates into the same cache and store as historical backfill, so consumers
// see one consistent ordered view per series.
type StreamIngestor struct {
	registry  *exchanges.Registry
	validator *Validator
	cache     *Cache
	store     store.Store
	cfg       StreamConfig
	logger    logging.Logger
}

// NewStreamIngestor creates a stream ingestor. store may be nil to skip
// persistence.
func NewStreamIngestor(registry *exchanges.Registry, validator *Validator, cache *Cache, st store.Store, cfg StreamConfig, logger logging.Logger) *StreamIngestor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &StreamIngestor{
		registry:  registry,
		validator: validator,
		cache:     cache,
		store:     st,
		cfg:       cfg,
		logger:    logger,
	}
}

// Subscribe starts a subscription for the series and returns its handle. The
// subscription runs until Unsubscribe, context cancellation, or reconnect
// exhaustion.
func (s *StreamIngestor) Subscribe(ctx context.Context, series market.SeriesKey) (*StreamHandle, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(series.Exchange)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &StreamHandle{
		ID:      uuid.New(),
		series:  series,
		updates: make(chan market.Candle, 256),
		fatal:   make(chan error, 1),
		cancel:  cancel,
	}
	handle.setState(StateSubscribing)

	go s.run(runCtx, adapter, handle)
	return handle, nil
}

// run drives the per-series state machine:
// Disconnected -> Subscribing -> Streaming -> Reconnecting -> Subscribing,
// with Reconnecting -> Disconnected once the retry cap is exceeded and any
// state -> Disconnected on unsubscribe.
func (s *StreamIngestor) run(ctx context.Context, adapter *exchanges.Adapter, handle *StreamHandle) {
	defer func() {
		handle.setState(StateDisconnected)
		// fatal first: once Updates is observed closed, Err must already be
		// resolved, so a caller selecting on either channel wakes up.
		close(handle.fatal)
		close(handle.updates)
	}()

	logger := s.logger.WithFields(
		logging.String("series", handle.series.String()),
		logging.String("subscription_id", handle.ID.String()))

	retries := 0
	var lastErr error
	for {
		if ctx.Err() != nil {
			return
		}

		handle.setState(StateSubscribing)
		sub, err := adapter.SubscribeOHLCV(ctx, handle.series.Symbol, handle.series.Timeframe)
		if err != nil {
			lastErr = err
			retries++
			logger.Warn("subscribe attempt failed",
				logging.Int("attempt", retries),
				logging.Error(err))
			if retries > s.cfg.MaxRetries {
				handle.fatal <- &StreamLostError{Series: handle.series, Attempts: retries - 1, Err: lastErr}
				return
			}
			handle.setState(StateReconnecting)
			if !s.backoff(ctx, retries) {
				return
			}
			continue
		}

		reconnect := s.consume(ctx, sub, handle, logger, &retries)
		_ = sub.Close()
		if !reconnect {
			return
		}

		retries++
		if retries > s.cfg.MaxRetries {
			handle.fatal <- &StreamLostError{Series: handle.series, Attempts: retries - 1, Err: lastErr}
			return
		}
		handle.setState(StateReconnecting)
		logger.Info("stream reconnecting",
			logging.Int("attempt", retries),
			logging.String("state", handle.State().String()))
		if !s.backoff(ctx, retries) {
			return
		}
	}
}

// consume pumps one live subscription until it ends. It reports true when
// the ingestor should reconnect, false on unsubscribe or cancellation.
func (s *StreamIngestor) consume(ctx context.Context, sub exchanges.Subscription, handle *StreamHandle, logger logging.Logger, retries *int) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case err, ok := <-sub.Err():
			if !ok {
				return true
			}
			logger.Warn("stream transport failed", logging.Error(err))
			return true

		case candle, ok := <-sub.Updates():
			if !ok {
				// Channel closed without a preceding error: treat as
				// connection loss.
				return true
			}
			if handle.State() != StateStreaming {
				handle.setState(StateStreaming)
				*retries = 0
			}
			s.ingest(ctx, handle, candle)
		}
	}
}

// ingest validates and merges one streamed update, forwarding whatever was
// actually applied.
func (s *StreamIngestor) ingest(ctx context.Context, handle *StreamHandle, candle market.Candle) {
	valid, _ := s.validator.Clean(handle.series, []market.Candle{candle}, s.cache.Watermark(handle.series))
	if len(valid) == 0 {
		return
	}
	merged := s.cache.Merge(handle.series, valid)
	persistCandles(ctx, s.store, s.logger, handle.series, merged.Applied)

	for _, c := range merged.Applied {
		select {
		case handle.updates <- c:
		case <-ctx.Done():
			return
		}
	}
}

// backoff sleeps the exponential delay for the given attempt. Reports false
// when the context was cancelled during the wait.
func (s *StreamIngestor) backoff(ctx context.Context, attempt int) bool {
	delay := s.cfg.BackoffBase
	for i := 1; i < attempt && delay < s.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > s.cfg.BackoffCap {
		delay = s.cfg.BackoffCap
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
