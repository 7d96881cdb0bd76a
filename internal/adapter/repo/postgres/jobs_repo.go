package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// JobRepo implements domain.JobRepository against Postgres.
type JobRepo struct {
	Pool PgxPool
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *JobRepo) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	params, err := marshalMap(j.InputParams)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	const q = `INSERT INTO jobs (id, type, input_params, status, priority, retry_count, batch, idem_key)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	           RETURNING created_at, updated_at`
	row := r.Pool.QueryRow(ctx, q, j.ID, string(j.Type), params, string(j.Status), j.Priority, j.RetryCount, j.Batch, j.IdemKey)
	if err := row.Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.Job{}, fmt.Errorf("op=job.create: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	slog.DebugContext(ctx, "job created", slog.String("job_id", j.ID), slog.String("type", string(j.Type)))
	return j, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var params, result []byte
	var idemKey *string
	var assignedWorker *string
	if err := row.Scan(&j.ID, &j.Type, &params, &j.Status, &j.Priority, &j.RetryCount,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt, &assignedWorker, &result,
		&j.Error, &j.Batch, &idemKey, &j.NextRetryAt); err != nil {
		return domain.Job{}, err
	}
	var err error
	if j.InputParams, err = unmarshalMap(params); err != nil {
		return domain.Job{}, err
	}
	if result != nil {
		if j.Result, err = unmarshalMap(result); err != nil {
			return domain.Job{}, err
		}
	}
	j.AssignedWorkerID = assignedWorker
	j.IdemKey = idemKey
	return j, nil
}

const jobColumns = `id, type, input_params, status, priority, retry_count, created_at, started_at, completed_at, updated_at, assigned_worker_id, result, error, batch, idem_key, next_retry_at`

func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, key string) (domain.Job, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idem_key=$1`, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_by_idem_key: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_by_idem_key: %w", err)
	}
	return j, nil
}

// DequeuePending selects up to `limit` pending jobs, locks them with SKIP LOCKED, and
// transitions them to `locked` within the caller's transaction.
func (r *JobRepo) DequeuePending(ctx context.Context, tx domain.Tx, limit int) ([]domain.Job, error) {
	pt := txFromDomain(tx)
	rows, err := pt.Query(ctx, `SELECT `+jobColumns+` FROM jobs
	                            WHERE status=$1 AND (next_retry_at IS NULL OR next_retry_at <= now())
	                            ORDER BY priority DESC, created_at ASC
	                            LIMIT $2
	                            FOR UPDATE SKIP LOCKED`, string(domain.JobPending), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.dequeue: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.dequeue: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.dequeue: %w", err)
	}
	ids := make([]string, len(out))
	for i, j := range out {
		ids[i] = j.ID
	}
	if len(ids) > 0 {
		if _, err := pt.Exec(ctx, `UPDATE jobs SET status=$1, updated_at=now() WHERE id = ANY($2)`,
			string(domain.JobLocked), ids); err != nil {
			return nil, fmt.Errorf("op=job.dequeue: %w", err)
		}
		for i := range out {
			out[i].Status = domain.JobLocked
		}
	}
	return out, nil
}

func (r *JobRepo) MarkRunning(ctx context.Context, tx domain.Tx, id, workerID string, startedAt time.Time) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE jobs SET status=$1, assigned_worker_id=$2, started_at=$3, updated_at=now()
	                          WHERE id=$4`, string(domain.JobRunning), workerID, startedAt, id)
	return checkRowsAffected(ct, err, "job.mark_running")
}

func (r *JobRepo) MarkCompleted(ctx context.Context, tx domain.Tx, id string, result map[string]any) error {
	pt := txFromDomain(tx)
	b, err := marshalMap(result)
	if err != nil {
		return fmt.Errorf("op=job.mark_completed: %w", err)
	}
	ct, err := pt.Exec(ctx, `UPDATE jobs SET status=$1, result=$2, completed_at=now(), updated_at=now()
	                          WHERE id=$3`, string(domain.JobCompleted), b, id)
	return checkRowsAffected(ct, err, "job.mark_completed")
}

func (r *JobRepo) MarkFailed(ctx context.Context, tx domain.Tx, id string, errMsg string, incrementRetry bool) error {
	pt := txFromDomain(tx)
	var ct, incErr = pt.Exec(ctx, `UPDATE jobs SET status=$1, error=$2, retry_count = retry_count + $3, updated_at=now()
	                          WHERE id=$4`, string(domain.JobFailed), errMsg, boolToInt(incrementRetry), id)
	return checkRowsAffected(ct, incErr, "job.mark_failed")
}

func (r *JobRepo) MarkCancelled(ctx context.Context, tx domain.Tx, id string) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE jobs SET status=$1, updated_at=now() WHERE id=$2 AND status != $3`,
		string(domain.JobCancelled), id, string(domain.JobRunning))
	return checkRowsAffected(ct, err, "job.mark_cancelled")
}

func (r *JobRepo) Requeue(ctx context.Context, tx domain.Tx, id string, incrementRetry bool) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE jobs SET status=$1, assigned_worker_id=NULL, retry_count = retry_count + $2,
	                          next_retry_at=NULL, updated_at=now()
	                          WHERE id=$3`, string(domain.JobPending), boolToInt(incrementRetry), id)
	return checkRowsAffected(ct, err, "job.requeue")
}

func (r *JobRepo) RequeueAfter(ctx context.Context, tx domain.Tx, id string, incrementRetry bool, notBefore time.Time) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE jobs SET status=$1, assigned_worker_id=NULL, retry_count = retry_count + $2,
	                          next_retry_at=$3, updated_at=now()
	                          WHERE id=$4`, string(domain.JobPending), boolToInt(incrementRetry), notBefore, id)
	return checkRowsAffected(ct, err, "job.requeue_after")
}

func (r *JobRepo) ReleaseLock(ctx context.Context, tx domain.Tx, id string) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE jobs SET status=$1, updated_at=now() WHERE id=$2 AND status=$3`,
		string(domain.JobPending), id, string(domain.JobLocked))
	return checkRowsAffected(ct, err, "job.release_lock")
}

func (r *JobRepo) ListByStatus(ctx context.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1
	                                 ORDER BY created_at DESC OFFSET $2 LIMIT $3`, string(status), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_status: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_status: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepo) ListWithFilters(ctx context.Context, offset, limit int, status string, jobType string) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	n := 1
	if status != "" {
		q += fmt.Sprintf(" AND status=$%d", n)
		args = append(args, status)
		n++
	}
	if jobType != "" {
		q += fmt.Sprintf(" AND type=$%d", n)
		args = append(args, jobType)
		n++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC OFFSET $%d LIMIT $%d", n, n+1)
	args = append(args, offset, limit)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_with_filters: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_with_filters: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepo) CountWithFilters(ctx context.Context, status string, jobType string) (int64, error) {
	q := `SELECT count(*) FROM jobs WHERE 1=1`
	var args []any
	n := 1
	if status != "" {
		q += fmt.Sprintf(" AND status=$%d", n)
		args = append(args, status)
		n++
	}
	if jobType != "" {
		q += fmt.Sprintf(" AND type=$%d", n)
		args = append(args, jobType)
		n++
	}
	var c int64
	if err := r.Pool.QueryRow(ctx, q, args...).Scan(&c); err != nil {
		return 0, fmt.Errorf("op=job.count_with_filters: %w", err)
	}
	return c, nil
}

func (r *JobRepo) Count(ctx context.Context) (int64, error) {
	var c int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs`).Scan(&c); err != nil {
		return 0, fmt.Errorf("op=job.count: %w", err)
	}
	return c, nil
}

func (r *JobRepo) CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	var c int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status=$1`, string(status)).Scan(&c); err != nil {
		return 0, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return c, nil
}

// RecoverOnBoot resets every `running`/`locked` job to `pending` (spec.md §8 round-trip law).
func (r *JobRepo) RecoverOnBoot(ctx context.Context) (int64, error) {
	ct, err := r.Pool.Exec(ctx, `UPDATE jobs SET status=$1, assigned_worker_id=NULL,
	                              started_at=NULL, next_retry_at=NULL, updated_at=now()
	                              WHERE status IN ($2,$3)`,
		string(domain.JobPending), string(domain.JobRunning), string(domain.JobLocked))
	if err != nil {
		return 0, fmt.Errorf("op=job.recover_on_boot: %w", err)
	}
	n := ct.RowsAffected()
	if n > 0 {
		slog.InfoContext(ctx, "recovered stuck jobs on boot", slog.Int64("count", n))
	}
	return n, nil
}

func (r *JobRepo) SetBatch(ctx context.Context, tx domain.Tx, id string, batch int) error {
	pt := txFromDomain(tx)
	ct, err := pt.Exec(ctx, `UPDATE jobs SET batch=$1, updated_at=now() WHERE id=$2`, batch, id)
	return checkRowsAffected(ct, err, "job.set_batch")
}

func checkRowsAffected(ct interface{ RowsAffected() int64 }, err error, op string) error {
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

var _ domain.JobRepository = (*JobRepo)(nil)
