package chain

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many external RPC/HTTP calls may be in flight at once,
// so a burst of user commands cannot overwhelm the chain node.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate admitting up to max concurrent calls.
func NewGate(max int64) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a slot is free or the context is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release frees a slot.
func (g *Gate) Release() {
	g.sem.Release(1)
}
