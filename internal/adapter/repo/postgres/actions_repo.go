package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// ActionRepo implements domain.ActionRepository against Postgres.
type ActionRepo struct {
	Pool PgxPool
}

const actionColumns = `id, account_id, job_id, action_type, class, target_id, status, error,
	rate_limit_remaining, rate_limit_reset, meta, created_at, executed_at`

func (r *ActionRepo) CreateAction(ctx context.Context, a domain.Action) (domain.Action, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.ActionPending
	}
	meta, err := marshalMap(a.Meta)
	if err != nil {
		return domain.Action{}, fmt.Errorf("op=action.create: %w", err)
	}
	const q = `INSERT INTO actions (id, account_id, job_id, action_type, class, target_id, status, meta)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	           RETURNING created_at`
	row := r.Pool.QueryRow(ctx, q, a.ID, a.AccountID, a.JobID, string(a.ActionType), string(a.Class), a.TargetID, string(a.Status), meta)
	if err := row.Scan(&a.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			// Dedup invariant violated: another active Action already targets this (account,
			// action_type, target_id) tuple. Name that Action's id in the error when it can be read.
			var existingID string
			if lookupErr := r.Pool.QueryRow(ctx, `SELECT id FROM actions
			                                      WHERE account_id=$1 AND action_type=$2 AND target_id=$3
			                                        AND status IN ('pending','running','locked')`,
				a.AccountID, string(a.ActionType), a.TargetID).Scan(&existingID); lookupErr == nil {
				return domain.Action{}, fmt.Errorf("op=action.create: %w: existing action %s", domain.ErrConflict, existingID)
			}
			return domain.Action{}, fmt.Errorf("op=action.create: %w", domain.ErrConflict)
		}
		return domain.Action{}, fmt.Errorf("op=action.create: %w", err)
	}
	return a, nil
}

func scanAction(row pgx.Row) (domain.Action, error) {
	var a domain.Action
	var actionType, class, status string
	var meta []byte
	if err := row.Scan(&a.ID, &a.AccountID, &a.JobID, &actionType, &class, &a.TargetID, &status,
		&a.Error, &a.RateLimitRemaining, &a.RateLimitReset, &meta, &a.CreatedAt, &a.ExecutedAt); err != nil {
		return domain.Action{}, err
	}
	a.ActionType = domain.JobType(actionType)
	a.Class = domain.ActionClass(class)
	a.Status = domain.ActionStatus(status)
	m, err := unmarshalMap(meta)
	if err != nil {
		return domain.Action{}, err
	}
	a.Meta = m
	return a, nil
}

func (r *ActionRepo) Get(ctx context.Context, id string) (domain.Action, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=$1`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Action{}, fmt.Errorf("op=action.get: %w", domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("op=action.get: %w", err)
	}
	return a, nil
}

func (r *ActionRepo) FindActive(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions
	                              WHERE account_id=$1 AND class=$2 AND target_id=$3
	                                AND status IN ('pending','running','locked')`, accountID, string(class), targetID)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Action{}, fmt.Errorf("op=action.find_active: %w", domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("op=action.find_active: %w", err)
	}
	return a, nil
}

func (r *ActionRepo) FindCompletedDuplicate(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, bool, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions
	                              WHERE account_id=$1 AND class=$2 AND target_id=$3 AND status='completed'
	                              ORDER BY created_at DESC LIMIT 1`, accountID, string(class), targetID)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Action{}, false, nil
		}
		return domain.Action{}, false, fmt.Errorf("op=action.find_completed_duplicate: %w", err)
	}
	return a, true, nil
}

func (r *ActionRepo) UpdateStatus(ctx context.Context, tx domain.Tx, id string, status domain.ActionStatus, errMsg string, rateLimitRemaining *int, rateLimitReset *time.Time) error {
	pt := txFromDomain(tx)
	var executedAt any
	if status == domain.ActionRunning {
		executedAt = time.Now()
	}
	ct, err := pt.Exec(ctx, `UPDATE actions SET status=$1, error=$2, rate_limit_remaining=$3,
	                          rate_limit_reset=$4, executed_at=COALESCE($5, executed_at) WHERE id=$6`,
		string(status), errMsg, rateLimitRemaining, rateLimitReset, executedAt, id)
	return checkRowsAffected(ct, err, "action.update_status")
}

func (r *ActionRepo) CountInWindow(ctx context.Context, accountID string, class domain.ActionClass, since time.Time) (int64, error) {
	var c int64
	err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM actions
	                              WHERE account_id=$1 AND class=$2 AND created_at >= $3
	                                AND status != 'failed'`, accountID, string(class), since).Scan(&c)
	if err != nil {
		return 0, fmt.Errorf("op=action.count_in_window: %w", err)
	}
	return c, nil
}

// CountInWindowUnion implements the §4.1 combined `post` class daily cap: reply + quote +
// create_post share one budget, so the window count spans every class in the union.
func (r *ActionRepo) CountInWindowUnion(ctx context.Context, accountID string, classes []domain.ActionClass, since time.Time) (int64, error) {
	strs := make([]string, len(classes))
	for i, c := range classes {
		strs[i] = string(c)
	}
	var c int64
	err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM actions
	                              WHERE account_id=$1 AND class = ANY($2) AND created_at >= $3
	                                AND status != 'failed'`, accountID, strs, since).Scan(&c)
	if err != nil {
		return 0, fmt.Errorf("op=action.count_in_window_union: %w", err)
	}
	return c, nil
}

func (r *ActionRepo) CountRunning(ctx context.Context, accountID string, class domain.ActionClass) (int64, error) {
	var c int64
	err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM actions
	                              WHERE account_id=$1 AND class=$2 AND status='running'`, accountID, string(class)).Scan(&c)
	if err != nil {
		return 0, fmt.Errorf("op=action.count_running: %w", err)
	}
	return c, nil
}

func (r *ActionRepo) LastAttempt(ctx context.Context, accountID string, class domain.ActionClass) (domain.Action, bool, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions
	                              WHERE account_id=$1 AND class=$2 AND status != 'failed'
	                              ORDER BY created_at DESC LIMIT 1`, accountID, string(class))
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Action{}, false, nil
		}
		return domain.Action{}, false, fmt.Errorf("op=action.last_attempt: %w", err)
	}
	return a, true, nil
}

// SweepStaleRunning demotes Actions stuck `running` past maxAge to failed("timeout"),
// the per-action counterpart of spec.md's cleanup_stale_actions.
func (r *ActionRepo) SweepStaleRunning(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	ct, err := r.Pool.Exec(ctx, `UPDATE actions SET status='failed', error='timeout'
	                              WHERE status='running' AND executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=action.sweep_stale_running: %w", err)
	}
	return ct.RowsAffected(), nil
}

var _ domain.ActionRepository = (*ActionRepo)(nil)
