package exchanges

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedExchange is returned by the Registry when the identifier
	// has no registered client factory. This is a caller misconfiguration and
	// is never retried.
	ErrUnsupportedExchange = errors.New("unsupported exchange")

	// ErrMalformedPayload is returned when an exchange response cannot be
	// decoded into candles. It marks a data-format problem, not a transport
	// problem, and is therefore not retried.
	ErrMalformedPayload = errors.New("malformed exchange payload")
)

// NetworkError wraps a transient transport failure: connection refused,
// timeout, 5xx, 429. Callers retry these with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps err as a transient network failure.
func NewNetworkError(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// ExchangeError wraps an upstream rejection (error payload, unexpected status
// semantics). The upstream may or may not recover, so these are treated as
// retryable up to the same cap as network errors.
type ExchangeError struct {
	Exchange string
	Message  string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error from %s: %s", e.Exchange, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewExchangeError wraps an upstream rejection.
func NewExchangeError(exchange, message string, err error) error {
	return &ExchangeError{Exchange: exchange, Message: message, Err: err}
}

// IsTransient reports whether err should be retried with backoff. Context
// cancellation and data-format errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMalformedPayload) {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var exErr *ExchangeError
	return errors.As(err, &exErr)
}

// IsDataError reports whether err marks an undecodable exchange response.
func IsDataError(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}
