package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

var cleanupTracer = otel.Tracer("postgres.cleanup")

// CleanupService periodically sweeps stale Actions/Jobs and prunes terminal rows older than
// the retention window, grounded on the teacher's CleanupService/StuckJobSweeper pattern.
type CleanupService struct {
	Pool          PgxPool
	Jobs          domain.JobRepository
	Actions       domain.ActionRepository
	RetentionDays int
	JobDeadline   time.Duration
	ActionMaxAge  time.Duration
}

func NewCleanupService(pool PgxPool, jobs domain.JobRepository, actions domain.ActionRepository, retentionDays int, jobDeadline, actionMaxAge time.Duration) *CleanupService {
	return &CleanupService{Pool: pool, Jobs: jobs, Actions: actions, RetentionDays: retentionDays, JobDeadline: jobDeadline, ActionMaxAge: actionMaxAge}
}

// SweepCounts reports how many rows RunOnce touched, surfaced so callers (e.g. app.StuckJobSweeper)
// can broadcast a summary over the WebSocket hub without re-querying the database.
type SweepCounts struct {
	StaleActions int64
	StuckJobs    int64
}

// RunOnce executes one sweep pass: stale-action demotion, stuck-job failure, and
// terminal-row retention pruning.
func (s *CleanupService) RunOnce(ctx context.Context) (SweepCounts, error) {
	ctx, span := cleanupTracer.Start(ctx, "cleanup.run_once")
	defer span.End()

	var counts SweepCounts

	staleActions, err := s.Actions.SweepStaleRunning(ctx, s.ActionMaxAge)
	if err != nil {
		return counts, fmt.Errorf("op=cleanup.sweep_actions: %w", err)
	}
	counts.StaleActions = staleActions
	if staleActions > 0 {
		slog.InfoContext(ctx, "swept stale running actions", slog.Int64("count", staleActions))
	}

	stuckJobs, err := s.sweepStuckJobs(ctx)
	if err != nil {
		return counts, fmt.Errorf("op=cleanup.sweep_jobs: %w", err)
	}
	counts.StuckJobs = stuckJobs
	if stuckJobs > 0 {
		slog.InfoContext(ctx, "failed stuck jobs past deadline", slog.Int64("count", stuckJobs))
	}

	if s.RetentionDays > 0 {
		if err := s.pruneOldData(ctx); err != nil {
			return counts, fmt.Errorf("op=cleanup.prune: %w", err)
		}
	}
	return counts, nil
}

func (s *CleanupService) sweepStuckJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.JobDeadline)
	ct, err := s.Pool.Exec(ctx, `UPDATE jobs SET status='failed', error='deadline exceeded', updated_at=now()
	                              WHERE status='running' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *CleanupService) pruneOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)
	if _, err := s.Pool.Exec(ctx, `DELETE FROM actions WHERE status IN ('completed','failed','cancelled') AND created_at < $1`, cutoff); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, `DELETE FROM jobs WHERE status IN ('completed','failed','cancelled') AND created_at < $1`, cutoff); err != nil {
		return err
	}
	return nil
}

// RunPeriodic runs RunOnce on a ticker until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "cleanup pass failed", slog.Any("error", err))
			}
		}
	}
}
