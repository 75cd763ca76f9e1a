package aggregation

import (
	"context"
	"log/slog"
	"time"
)

// OrphanSpillStore is a spill store that can drop runs left behind by
// operators that never finished.
type OrphanSpillStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SpillSweeper periodically removes spills untouched for a retention window.
// It is stateless: each tick independently deletes everything past the cutoff.
type SpillSweeper struct {
	interval  time.Duration
	retention time.Duration
	store     OrphanSpillStore
	now       func() time.Time
}

// NewSpillSweeper creates a sweeper. A spill whose newest run is younger than
// retention is never touched, so retention must exceed the longest time an
// operator runs between its last spill and its merge.
func NewSpillSweeper(interval, retention time.Duration, store OrphanSpillStore) *SpillSweeper {
	return &SpillSweeper{
		interval:  interval,
		retention: retention,
		store:     store,
		now:       time.Now,
	}
}

// Start sweeps once immediately and then on every tick until ctx is cancelled.
func (s *SpillSweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[SpillSweeper] Starting orphaned spill sweeper",
		"interval", s.interval,
		"retention", s.retention,
	)

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			slog.Info("[SpillSweeper] Stopping (context cancelled)")
			return nil
		}
	}
}

func (s *SpillSweeper) sweep(ctx context.Context) int64 {
	cutoff := s.now().UTC().Add(-s.retention)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("[SpillSweeper] Sweep failed", "error", err, "cutoff", cutoff)
		return 0
	}
	if deleted > 0 {
		slog.Info("[SpillSweeper] Removed orphaned spill runs", "deleted", deleted)
	}
	return deleted
}
