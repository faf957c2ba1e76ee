// Package ingest implements the core OHLCV ingestion pipeline: historical
// backfill, stream ingestion, row validation, and the per-series ordered
// cache that gives downstream consumers one deduplicated, time-ordered view
// of each series regardless of how the data arrived.
package ingest

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veiloq/market-ingest/pkg/config"
	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/store"
)

// Pipeline is the public ingestion API. It owns the cache and wires the
// historical fetcher and stream ingestor to one registry and store. One
// pipeline per process, constructed explicitly by the entry point and passed
// to whoever needs it.
type Pipeline struct {
	cfg       *config.Config
	registry  *exchanges.Registry
	cache     *Cache
	validator *Validator
	fetcher   *Fetcher
	streams   *StreamIngestor
	store     store.Store
	logger    logging.Logger
}

// New assembles a pipeline from its collaborators. st may be nil to run
// without persistence.
func New(cfg *config.Config, registry *exchanges.Registry, st store.Store, logger logging.Logger) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NewLogger()
	}

	cache := NewCache(cfg.Ingest.RetentionSize)
	validator := NewValidator(logger)
	fetcherCfg := FetcherConfig{
		PageLimit:   cfg.Ingest.PageLimit,
		MaxRetries:  uint(cfg.Ingest.MaxRetries),
		BackoffBase: cfg.Ingest.BackoffBase,
		BackoffCap:  cfg.Ingest.BackoffCap,
	}
	streamCfg := StreamConfig{
		MaxRetries:  cfg.Ingest.MaxRetries,
		BackoffBase: cfg.Ingest.BackoffBase,
		BackoffCap:  cfg.Ingest.BackoffCap,
	}

	return &Pipeline{
		cfg:       cfg,
		registry:  registry,
		cache:     cache,
		validator: validator,
		fetcher:   NewFetcher(registry, validator, cache, st, fetcherCfg, logger),
		streams:   NewStreamIngestor(registry, validator, cache, st, streamCfg, logger),
		store:     st,
		logger:    logger,
	}
}

// FetchHistorical backfills [since, until] for the series and returns the
// merged ordered sequence.
func (p *Pipeline) FetchHistorical(ctx context.Context, series market.SeriesKey, since, until time.Time) ([]market.Candle, error) {
	return p.fetcher.FetchHistorical(ctx, series, since, until)
}

// Subscribe opens a live subscription for the series.
func (p *Pipeline) Subscribe(ctx context.Context, series market.SeriesKey) (*StreamHandle, error) {
	return p.streams.Subscribe(ctx, series)
}

// Query serves [from, to] from the cache when the cached window covers it;
// otherwise it routes the range through the historical fetcher first. The
// cache miss is a delegation, not an error.
func (p *Pipeline) Query(ctx context.Context, series market.SeriesKey, from, to time.Time) ([]market.Candle, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}

	candles, covered := p.cache.Query(series, from, to)
	if covered {
		return candles, nil
	}

	if _, err := p.fetcher.FetchHistorical(ctx, series, from, to); err != nil {
		return nil, err
	}
	candles, _ = p.cache.Query(series, from, to)
	return candles, nil
}

// Backfill fetches several series concurrently through a bounded worker
// pool. The first failure cancels the remaining work.
func (p *Pipeline) Backfill(ctx context.Context, series []market.SeriesKey, since, until time.Time) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Ingest.BackfillConcurrency)

	for _, key := range series {
		key := key
		g.Go(func() error {
			_, err := p.fetcher.FetchHistorical(ctx, key, since, until)
			return err
		})
	}
	return g.Wait()
}

// RunHeartbeat periodically merge-upserts a health document for this
// instance until the context is cancelled. Write failures are logged;
// heartbeating is as best-effort as the rest of persistence.
func (p *Pipeline) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if p.store == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beat := func() {
		fields := map[string]interface{}{
			"status":      "ok",
			"instance_id": p.cfg.Instance.ID,
		}
		if err := p.store.Upsert(ctx, "system_health", p.cfg.Instance.ID, fields, true); err != nil {
			p.logger.Warn("heartbeat write failed", logging.Error(err))
		}
	}

	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
