// Package config loads the ingestion daemon configuration from YAML with
// environment variable expansion, applies defaults, and validates the result.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for an ingestion process.
type Config struct {
	Instance  InstanceConfig   `yaml:"instance"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Ingest    IngestConfig     `yaml:"ingest"`
	Database  DatabaseConfig   `yaml:"database"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
}

// InstanceConfig identifies this ingestion process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ExchangeConfig holds per-exchange settings.
type ExchangeConfig struct {
	// ID is the exchange identifier, e.g. "bybit".
	ID string `yaml:"id"`

	// RateLimitInterval is the minimum spacing between requests to this
	// exchange. Defaults to 200ms.
	RateLimitInterval time.Duration `yaml:"rate_limit_interval"`

	// RestURL and WSURL override the adapter's default endpoints.
	// Useful for testnets and for pointing tests at local servers.
	RestURL string `yaml:"rest_url"`
	WSURL   string `yaml:"ws_url"`
}

// IngestConfig holds pipeline-wide fetch and cache settings.
type IngestConfig struct {
	// PageLimit is the maximum number of candles requested per page during
	// historical backfill. Defaults to 1000.
	PageLimit int `yaml:"page_limit"`

	// RetentionSize is the number of most recent candles kept per series in
	// the in-memory cache. Defaults to 10000.
	RetentionSize int `yaml:"retention_size"`

	// MaxRetries is the retry cap for transient fetch failures and stream
	// reconnection attempts. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBase and BackoffCap bound the exponential retry delay.
	// Defaults: 1s base, 30s cap.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`

	// RequestTimeout bounds each upstream network call. Defaults to 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BackfillConcurrency bounds the worker pool used when backfilling
	// several series at once. Defaults to 4.
	BackfillConcurrency int `yaml:"backfill_concurrency"`
}

// DatabaseConfig holds the persistence backend connection. When Host is empty
// the process runs with the in-memory store only.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

// HeartbeatConfig holds the health document writer settings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// applyDefaults fills in zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = "ingestd"
	}
	for i := range c.Exchanges {
		if c.Exchanges[i].RateLimitInterval <= 0 {
			c.Exchanges[i].RateLimitInterval = 200 * time.Millisecond
		}
	}
	if c.Ingest.PageLimit <= 0 {
		c.Ingest.PageLimit = 1000
	}
	if c.Ingest.RetentionSize <= 0 {
		c.Ingest.RetentionSize = 10000
	}
	if c.Ingest.MaxRetries <= 0 {
		c.Ingest.MaxRetries = 5
	}
	if c.Ingest.BackoffBase <= 0 {
		c.Ingest.BackoffBase = time.Second
	}
	if c.Ingest.BackoffCap <= 0 {
		c.Ingest.BackoffCap = 30 * time.Second
	}
	if c.Ingest.RequestTimeout <= 0 {
		c.Ingest.RequestTimeout = 30 * time.Second
	}
	if c.Ingest.BackfillConcurrency <= 0 {
		c.Ingest.BackfillConcurrency = 4
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "prefer"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 4
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = time.Minute
	}
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.ID == "" {
			return fmt.Errorf("exchange entry missing id")
		}
		if seen[ex.ID] {
			return fmt.Errorf("duplicate exchange id %q", ex.ID)
		}
		seen[ex.ID] = true
	}
	if c.Ingest.BackoffCap < c.Ingest.BackoffBase {
		return fmt.Errorf("backoff_cap %v is below backoff_base %v",
			c.Ingest.BackoffCap, c.Ingest.BackoffBase)
	}
	if c.Database.Host != "" {
		if c.Database.Name == "" {
			return fmt.Errorf("database host set but name missing")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database host set but user missing")
		}
	}
	return nil
}

// Exchange returns the configuration entry for the given exchange id, or nil.
func (c *Config) Exchange(id string) *ExchangeConfig {
	for i := range c.Exchanges {
		if c.Exchanges[i].ID == id {
			return &c.Exchanges[i]
		}
	}
	return nil
}
