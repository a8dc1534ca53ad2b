package worker

import (
	"context"
	"log"
	"time"
)

// LeaseSweeper recovers jobs whose worker stopped heartbeating.
type LeaseSweeper interface {
	SweepExpiredLeases(ctx context.Context) (int, error)
}

// Sweeper periodically resets expired-lease jobs back to waiting so a
// crashed worker's claim does not strand work.
type Sweeper struct {
	store    LeaseSweeper
	interval time.Duration
}

// NewSweeper creates a sweeper running at the given interval.
func NewSweeper(store LeaseSweeper, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Run sweeps until the context is cancelled. Sweep errors are logged and the
// loop continues.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.store.SweepExpiredLeases(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[sweeper] sweep leases: %v", err)
				}
				continue
			}
			if swept > 0 {
				log.Printf("[sweeper] recovered %d job(s) from expired leases", swept)
			}
		}
	}
}
