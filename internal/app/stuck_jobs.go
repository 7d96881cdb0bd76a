// Package app wires application components and startup helpers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/backspacevenkat/x-orchestrator/internal/adapter/repo/postgres"
	"github.com/backspacevenkat/x-orchestrator/internal/usecase"
)

// StuckJobSweeper is the periodic-trigger/notification layer sitting on top of
// postgres.CleanupService: it owns the ticker loop and, after each pass, tells connected
// WebSocket clients how many rows were touched. The SQL sweep itself (stale-action demotion,
// stuck-job failure, retention pruning) lives entirely in CleanupService; this type adds
// nothing but scheduling and the broadcast, so the two stay decoupled from each other's tests.
type StuckJobSweeper struct {
	cleanup     *postgres.CleanupService
	broadcaster usecase.Broadcaster
	interval    time.Duration
}

// NewStuckJobSweeper constructs a sweeper. broadcaster may be nil, in which case sweep results
// are only logged.
func NewStuckJobSweeper(cleanup *postgres.CleanupService, broadcaster usecase.Broadcaster, interval time.Duration) *StuckJobSweeper {
	if cleanup == nil {
		return nil
	}
	if broadcaster == nil {
		broadcaster = usecase.NopBroadcaster{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{cleanup: cleanup, broadcaster: broadcaster, interval: interval}
}

// Run sweeps immediately, then again every interval, until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.cleanup == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	counts, err := s.cleanup.RunOnce(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "stuck job sweep failed", slog.Any("error", err))
		return
	}
	if counts.StuckJobs == 0 && counts.StaleActions == 0 {
		return
	}
	msg := fmt.Sprintf("sweep: %d stuck jobs failed, %d stale actions failed", counts.StuckJobs, counts.StaleActions)
	s.broadcaster.BroadcastQueueStatus("sweep", msg)
}
