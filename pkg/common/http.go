// Package common provides the shared rate-limited, retrying HTTP client used
// by exchange REST implementations.
package common

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/ratelimit"
)

// HTTPClient executes HTTP requests with retries and optional rate limiting.
type HTTPClient interface {
	// Get issues a GET request and returns the response body. Transport
	// failures, 5xx and 429 responses are retried and ultimately surfaced as
	// a NetworkError; other non-2xx statuses return an ExchangeError
	// immediately.
	Get(ctx context.Context, url string) ([]byte, error)
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	// Timeout bounds each individual request attempt.
	Timeout time.Duration

	// MaxRetries is the number of attempts for retryable failures.
	MaxRetries uint

	// RetryDelay is the base delay between attempts (doubled per attempt).
	RetryDelay time.Duration

	// Limiter, when non-nil, is acquired before every attempt. Exchange
	// adapters that already serialize requests through their own limiter
	// leave this nil to avoid double spacing.
	Limiter ratelimit.IntervalLimiter

	// Logger for retry diagnostics.
	Logger logging.Logger
}

// DefaultConfig returns conservative defaults: 30s timeout, 3 attempts,
// 1s base delay, no limiter.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

type client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewHTTPClient creates an HTTP client with the given configuration.
func NewHTTPClient(config ClientConfig) HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

func (c *client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			if c.config.Limiter != nil {
				if err := c.config.Limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return exchanges.NewNetworkError("http get", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return exchanges.NewNetworkError("read response body", err)
			}

			switch {
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return exchanges.NewNetworkError("http get",
					fmt.Errorf("retryable status %d", resp.StatusCode))
			case resp.StatusCode >= 300:
				return retry.Unrecoverable(exchanges.NewExchangeError("",
					fmt.Sprintf("unexpected status %d", resp.StatusCode), nil))
			}

			body = data
			return nil
		},
		retry.Attempts(c.config.MaxRetries),
		retry.Delay(c.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("retrying http request",
				logging.Int("attempt", int(n+1)),
				logging.String("url", url),
				logging.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}
