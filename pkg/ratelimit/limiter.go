// Package ratelimit enforces a minimum interval between successive requests
// to one upstream exchange.
//
// Each exchange adapter owns one IntervalLimiter. Concurrent callers against
// the same limiter are strictly serialized: grants are spaced at least the
// configured interval apart. Callers against different limiters never block
// each other. The implementation delegates the spacing to Uber's rate limiter
// in strict (no-slack) mode, so the guarantee is a hard minimum gap rather
// than an average rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// DefaultInterval is the spacing applied when no per-exchange interval is
// configured: 200ms, i.e. five requests per second.
const DefaultInterval = 200 * time.Millisecond

// IntervalLimiter spaces out operations against a single upstream.
type IntervalLimiter interface {
	// Wait blocks until at least the configured interval has elapsed since
	// the previous grant, or until ctx is cancelled. A cancellation error is
	// returned in the latter case; the caller must not proceed with the
	// request.
	Wait(ctx context.Context) error

	// Interval returns the currently configured minimum spacing.
	Interval() time.Duration

	// SetInterval replaces the minimum spacing. It returns an error for
	// non-positive intervals.
	SetInterval(interval time.Duration) error
}

type intervalLimiter struct {
	mu       sync.Mutex
	limiter  ratelimit.Limiter
	interval time.Duration
}

// NewIntervalLimiter creates a limiter with the given minimum spacing.
// Non-positive intervals fall back to DefaultInterval.
func NewIntervalLimiter(interval time.Duration) IntervalLimiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &intervalLimiter{
		limiter:  newStrictLimiter(interval),
		interval: interval,
	}
}

// newStrictLimiter builds an underlying limiter whose grants are spaced
// exactly interval apart, with no burst allowance.
func newStrictLimiter(interval time.Duration) ratelimit.Limiter {
	return ratelimit.New(1, ratelimit.Per(interval), ratelimit.WithoutSlack)
}

func (l *intervalLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	l.mu.Lock()
	limiter := l.limiter
	l.mu.Unlock()

	granted := make(chan struct{})
	go func() {
		limiter.Take()
		close(granted)
	}()

	select {
	case <-ctx.Done():
		// The abandoned Take still consumes its slot, which keeps the
		// spacing guarantee intact for subsequent callers.
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	case <-granted:
		return nil
	}
}

func (l *intervalLimiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *intervalLimiter) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid rate limit interval: %v", interval)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = newStrictLimiter(interval)
	l.interval = interval
	return nil
}
