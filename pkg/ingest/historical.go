package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"

	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/store"
)

// maxConsecutiveDataErrors is how many malformed pages in a row are tolerated
// before the whole fetch fails.
const maxConsecutiveDataErrors = 3

// FetcherConfig holds backfill pagination and retry settings.
type FetcherConfig struct {
	// PageLimit is the maximum candles requested per page.
	PageLimit int

	// MaxRetries caps attempts per page for transient failures.
	MaxRetries uint

	// BackoffBase and BackoffCap bound the exponential delay between
	// attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultFetcherConfig mirrors the documented defaults: 1000-candle pages,
// 5 attempts, 1s base backoff capped at 30s.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		PageLimit:   1000,
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// Fetcher paginates historical OHLCV ranges into the cache and store.
type Fetcher struct {
	registry  *exchanges.Registry
	validator *Validator
	cache     *Cache
	store     store.Store
	cfg       FetcherConfig
	logger    logging.Logger
}

// NewFetcher creates a historical fetcher. store may be nil to skip
// persistence.
func NewFetcher(registry *exchanges.Registry, validator *Validator, cache *Cache, st store.Store, cfg FetcherConfig, logger logging.Logger) *Fetcher {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.MaxRetries == 0 {
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
	return &Fetcher{
		registry:  registry,
		validator: validator,
		cache:     cache,
		store:     st,
		cfg:       cfg,
		logger:    logger,
	}
}

// FetchHistorical retrieves [since, until] for the series as a sequence of
// bounded pages, validating and merging each page before requesting the next.
// The returned candles are the ones actually applied to the cache, oldest
// first. Because each page is committed atomically after validation,
// cancelling mid-pagination leaves the cache holding exactly the pages merged
// so far.
func (f *Fetcher) FetchHistorical(ctx context.Context, series market.SeriesKey, since, until time.Time) ([]market.Candle, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if until.Before(since) {
		return nil, &IngestionError{Series: series, Err: errors.New("until precedes since")}
	}

	adapter, err := f.registry.Get(series.Exchange)
	if err != nil {
		return nil, err
	}

	tfDur := series.Timeframe.Duration()
	cursor := series.Timeframe.Truncate(since)
	var (
		result        []market.Candle
		lastSeen      time.Time
		dataErrorStrk int
	)

	for !cursor.After(until) {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		page, err := f.fetchPage(ctx, adapter, series, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			if exchanges.IsDataError(err) {
				dataErrorStrk++
				f.logger.Warn("malformed page skipped",
					logging.String("series", series.String()),
					logging.Int("consecutive", dataErrorStrk),
					logging.Error(err))
				if dataErrorStrk >= maxConsecutiveDataErrors {
					return result, &IngestionError{Series: series, Err: err}
				}
				// Skip past the unreadable window and keep going.
				cursor = cursor.Add(time.Duration(f.cfg.PageLimit) * tfDur)
				continue
			}
			return result, &IngestionError{Series: series, Err: err}
		}
		dataErrorStrk = 0

		if len(page) == 0 {
			break
		}
		rawCount := len(page)
		rawLast := page[rawCount-1].StartTime

		// Exchanges include the since bucket itself, so consecutive pages
		// overlap on the boundary candle: dedup on timestamp alone, and clip
		// rows beyond the requested range. Filters copy into a fresh slice;
		// the page still belongs to the client that returned it.
		kept := make([]market.Candle, 0, len(page))
		for _, c := range page {
			if !lastSeen.IsZero() && !c.StartTime.After(lastSeen) {
				continue
			}
			if c.StartTime.After(until) {
				continue
			}
			kept = append(kept, c)
		}
		page = kept

		if len(page) > 0 {
			valid, _ := f.validator.Clean(series, page, f.cache.Watermark(series))
			merged := f.cache.Merge(series, valid)
			persistCandles(ctx, f.store, f.logger, series, merged.Applied)
			result = append(result, merged.Applied...)
			lastSeen = page[len(page)-1].StartTime
		}

		if rawCount < f.cfg.PageLimit {
			// Short page: end of available history.
			break
		}
		cursor = rawLast.Add(tfDur)
	}

	f.logger.Info("historical fetch complete",
		logging.String("series", series.String()),
		logging.Int("candles", len(result)),
		logging.Time("since", since),
		logging.Time("until", until))
	return result, nil
}

// fetchPage requests one page, retrying transient failures with exponential
// backoff.
func (f *Fetcher) fetchPage(ctx context.Context, adapter *exchanges.Adapter, series market.SeriesKey, cursor time.Time) ([]market.Candle, error) {
	var page []market.Candle
	err := retry.Do(
		func() error {
			rows, err := adapter.FetchOHLCV(ctx, series.Symbol, series.Timeframe, cursor, f.cfg.PageLimit)
			if err != nil {
				return err
			}
			page = rows
			return nil
		},
		retry.Attempts(f.cfg.MaxRetries),
		retry.Delay(f.cfg.BackoffBase),
		retry.MaxDelay(f.cfg.BackoffCap),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(exchanges.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Warn("page fetch retry",
				logging.String("series", series.String()),
				logging.Time("cursor", cursor),
				logging.Int("attempt", int(n+1)),
				logging.Error(err))
		}),
	)
	return page, err
}
