// Package retry computes bounded exponential backoff with jitter.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// Backoff returns the delay before retry number attempt (0-based):
// 2^attempt * BaseDelay capped at MaxDelay, then spread by ±15% when
// jitter is enabled.
func Backoff(cfg domain.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * cfg.BaseDelay

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}

	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn up to cfg.MaxAttempts times while retryable reports true for
// its error. The last error is returned.
func Do(ctx context.Context, cfg domain.RetryConfig, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if serr := Sleep(ctx, Backoff(cfg, attempt)); serr != nil {
			return err
		}
	}
	return err
}
