// Package market-ingest is an OHLCV market-data ingestion pipeline for
// cryptocurrency exchanges.
//
// The module pulls candle data into one ordered, deduplicated in-memory view
// per series (exchange, symbol, timeframe), from two directions at once:
// bounded-page historical backfill over REST and live streaming over
// WebSocket. Both paths validate rows with the same rules, merge into the
// same cache, and persist best-effort to a document store.
//
// Core components:
//
//   - exchanges: the adapter registry mapping exchange identifiers to
//     configured clients, with per-exchange rate limiting
//   - ingest: historical fetcher, stream ingestor, validator, and the
//     ordered per-series cache behind the Pipeline facade
//   - store: the document store abstraction with PostgreSQL and in-memory
//     backends
//   - config: YAML configuration with environment variable substitution
//
// The typical entry point is ingest.New, wired from a config.Config, an
// exchanges.Registry with the desired client factories registered, and a
// store.Store. See cmd/ingestd for a complete daemon.
package marketingest
