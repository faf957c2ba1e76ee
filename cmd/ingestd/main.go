package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veiloq/market-ingest/pkg/config"
	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/exchanges/bybit"
	"github.com/veiloq/market-ingest/pkg/ingest"
	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/store"
)

// clientFactories maps exchange identifiers to their client constructors.
// Exchanges named in the config but absent here are skipped with a warning.
var clientFactories = map[string]exchanges.Factory{
	"bybit": bybit.New,
}

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	symbols := flag.String("symbols", "BTCUSDT", "comma-separated symbols to ingest")
	timeframe := flag.String("timeframe", "1m", "candle timeframe")
	backfill := flag.Duration("backfill", time.Hour, "how far back to backfill before streaming")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	var logOpts []logging.ZapOption
	if *debug {
		logOpts = append(logOpts, logging.WithDevelopmentMode(), logging.WithLogLevel(logging.DEBUG))
	}
	logger := logging.NewZapLogger(logOpts...)
	if zl, ok := logger.(*logging.ZapLogger); ok {
		defer zl.Sync()
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", logging.Error(err))
			os.Exit(1)
		}
	}
	if len(cfg.Exchanges) == 0 {
		cfg.Exchanges = []config.ExchangeConfig{{ID: "bybit", RateLimitInterval: 200 * time.Millisecond}}
	}

	tf := market.Timeframe(*timeframe)
	if !tf.Valid() {
		logger.Error("invalid timeframe", logging.String("timeframe", *timeframe))
		os.Exit(1)
	}

	logger.Info("starting ingestd",
		logging.String("instance_id", cfg.Instance.ID),
		logging.String("timeframe", string(tf)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logging.String("signal", sig.String()))
		cancel()
	}()

	registry := exchanges.NewRegistry(logger)
	for _, ex := range cfg.Exchanges {
		factory, ok := clientFactories[ex.ID]
		if !ok {
			logger.Warn("no client for configured exchange, skipping",
				logging.String("exchange", ex.ID))
			continue
		}
		registry.Register(ex.ID, factory, exchanges.AdapterConfig{
			RateLimitInterval: ex.RateLimitInterval,
			Options: exchanges.Options{
				RestURL:        ex.RestURL,
				WSURL:          ex.WSURL,
				RequestTimeout: cfg.Ingest.RequestTimeout,
			},
		})
	}
	defer registry.Close()

	var st store.Store
	if cfg.Database.Host != "" {
		logger.Info("connecting to database",
			logging.String("host", cfg.Database.Host),
			logging.String("database", cfg.Database.Name))
		pg, err := store.NewPostgres(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", logging.Error(err))
			os.Exit(1)
		}
		st = pg
	} else {
		logger.Info("no database configured, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	pipeline := ingest.New(cfg, registry, st, logger)

	go pipeline.RunHeartbeat(ctx, cfg.Heartbeat.Interval)

	var series []market.SeriesKey
	for _, ex := range cfg.Exchanges {
		if _, ok := clientFactories[ex.ID]; !ok {
			continue
		}
		for _, symbol := range strings.Split(*symbols, ",") {
			symbol = strings.TrimSpace(symbol)
			if symbol == "" {
				continue
			}
			series = append(series, market.SeriesKey{Exchange: ex.ID, Symbol: symbol, Timeframe: tf})
		}
	}
	if len(series) == 0 {
		logger.Error("nothing to ingest: no usable exchange and symbol pairs")
		os.Exit(1)
	}

	if *backfill > 0 {
		until := time.Now().UTC()
		since := until.Add(-*backfill)
		logger.Info("backfilling",
			logging.Int("series", len(series)),
			logging.Time("since", since))
		if err := pipeline.Backfill(ctx, series, since, until); err != nil {
			logger.Error("backfill failed", logging.Error(err))
			os.Exit(1)
		}
	}

	for _, key := range series {
		handle, err := pipeline.Subscribe(ctx, key)
		if err != nil {
			logger.Error("subscribe failed",
				logging.String("series", key.String()),
				logging.Error(err))
			os.Exit(1)
		}
		go consume(ctx, logger, handle)
	}

	logger.Info("ingestd running", logging.Int("series", len(series)))
	<-ctx.Done()
	logger.Info("ingestd stopped")
}

// consume drains one subscription, logging updates and any terminal error.
func consume(ctx context.Context, logger logging.Logger, handle *ingest.StreamHandle) {
	series := handle.Series().String()
	for {
		select {
		case <-ctx.Done():
			handle.Unsubscribe()
			return
		case err, ok := <-handle.Err():
			// A close with no error is a clean shutdown, not a failure.
			if ok && err != nil {
				logger.Error("stream lost", logging.String("series", series), logging.Error(err))
			}
			return
		case candle, ok := <-handle.Updates():
			if !ok {
				return
			}
			logger.Debug("candle ingested",
				logging.String("series", series),
				logging.Time("start_time", candle.StartTime),
				logging.Float64("close", candle.Close),
				logging.Float64("volume", candle.Volume))
		}
	}
}
