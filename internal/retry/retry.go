// Package retry implements the retry policy applied to external calls
// (coin node RPC, explorer HTTP). The policy is an explicit value passed
// into the clients and the reconciler rather than logic hand-rolled per
// call site.
package retry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/logging"
)

// Policy configures retry behavior for one class of operation.
type Policy struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the backoff delay
	Multiplier   float64       // Multiplier for exponential backoff
	// Retryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the default policy: 3 attempts, 1s, 2s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// Do executes fn under the policy. It returns nil on the first success,
// the last error once attempts are exhausted, a non-retryable error
// immediately, and the context error if the caller is cancelled while
// backing off.
func (p Policy) Do(ctx context.Context, op string, fn Func) error {
	logger := logging.FromContext(ctx)

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry",
					zap.String("op", op), zap.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := p.delay(attempt)
		logger.Warn("operation failed, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.Error("operation failed after max attempts",
		zap.String("op", op), zap.Int("attempts", maxAttempts), zap.Error(lastErr))
	return lastErr
}

// delay computes the backoff before the next attempt:
// initialDelay * multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
