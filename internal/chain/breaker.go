package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/logging"
)

// ErrCircuitOpen reports that the upstream tripped its breaker and calls
// are being shed until the cooldown elapses.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker sheds calls to an unhealthy upstream. It trips after
// maxFailures consecutive failures, and once the cooldown has elapsed it
// lets a single probe through; the probe result decides whether the
// circuit closes again.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	consecutive int
	open        bool
	probing     bool
	openedAt    time.Time
	now         func() time.Time
}

// NewBreaker creates a closed breaker for the named upstream.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed. While the circuit is open it
// returns ErrCircuitOpen, except for the one probe call admitted after
// each cooldown.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if !b.probing && b.now().Sub(b.openedAt) >= b.cooldown {
		b.probing = true
		return nil
	}
	return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
}

// Record feeds the outcome of a permitted call back into the breaker.
// Caller cancellation says nothing about upstream health and is ignored.
func (b *Breaker) Record(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.open {
			logging.FromContext(ctx).Info("circuit closed after successful probe",
				zap.String("upstream", b.name))
		}
		b.open = false
		b.probing = false
		b.consecutive = 0
		return
	}

	b.consecutive++
	if b.open {
		// Failed probe. Start a fresh cooldown.
		b.probing = false
		b.openedAt = b.now()
		return
	}
	if b.consecutive >= b.maxFailures {
		b.open = true
		b.openedAt = b.now()
		logging.FromContext(ctx).Warn("circuit opened",
			zap.String("upstream", b.name),
			zap.Int("consecutive_failures", b.consecutive))
	}
}
