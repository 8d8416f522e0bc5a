// Package gate bounds how many task runners may be past Pending at once.
// Two independently sized pools keep lightweight download tasks from
// competing with regular tasks for admission.
package gate

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Gate admits runners into their pool. A runner acquires its slot once,
// before first submission, and holds it across retries until finalization;
// a heavy retrier therefore never re-enters the queue ahead of waiting
// first attempts.
type Gate struct {
	regular  *semaphore.Weighted
	download *semaphore.Weighted
}

// New creates a gate with the given pool sizes. Sizes must be positive.
func New(regularSlots, downloadSlots int64) (*Gate, error) {
	if regularSlots <= 0 || downloadSlots <= 0 {
		return nil, fmt.Errorf("pool sizes must be positive (regular=%d, download=%d)", regularSlots, downloadSlots)
	}
	return &Gate{
		regular:  semaphore.NewWeighted(regularSlots),
		download: semaphore.NewWeighted(downloadSlots),
	}, nil
}

// Acquire blocks until the pool has capacity or ctx is done.
func (g *Gate) Acquire(ctx context.Context, download bool) error {
	if err := g.pool(download).Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for concurrency slot: %w", err)
	}
	return nil
}

// Release returns a slot to the pool it was acquired from.
func (g *Gate) Release(download bool) {
	g.pool(download).Release(1)
}

// TryAcquire admits without blocking; it reports whether a slot was taken.
func (g *Gate) TryAcquire(download bool) bool {
	return g.pool(download).TryAcquire(1)
}

func (g *Gate) pool(download bool) *semaphore.Weighted {
	if download {
		return g.download
	}
	return g.regular
}
