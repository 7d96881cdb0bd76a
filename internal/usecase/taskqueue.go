package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
	"github.com/backspacevenkat/x-orchestrator/internal/service/ratelimiter"
	"github.com/backspacevenkat/x-orchestrator/internal/service/workerpool"
)

var queueTracer = otel.Tracer("usecase.taskqueue")

// DequeueBatchSize is §4.4's B=10 jobs claimed per worker-loop pass.
const DequeueBatchSize = 10

// defaultRateLimitRetry is the earliest_retry_time floor used when a 429 carries no
// platform retry-after hint.
const defaultRateLimitRetry = 5 * time.Minute

// RetryBackoff configures the transient-error exponential backoff series, sourced from
// config.Config's RETRY_* environment variables.
type RetryBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryBackoff matches spec.md §4.5/§7's "2^n seconds" series when the caller
// doesn't supply one (e.g. in unit tests constructing a TaskQueue directly).
var DefaultRetryBackoff = RetryBackoff{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true}

// delay computes the nth transient-retry backoff, jittered the way cenkalti/backoff/v4
// jitters any exponential series, so two jobs failing in the same instant don't all come
// back to DequeuePending on the same tick.
func (b RetryBackoff) delay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.InitialDelay
	eb.Multiplier = b.Multiplier
	if b.Jitter {
		eb.RandomizationFactor = 0.2
	} else {
		eb.RandomizationFactor = 0
	}
	eb.MaxInterval = b.MaxDelay
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// TaskQueue is C4: one worker-loop iteration — dequeue, group by type, fetch workers, pair,
// dispatch — wrapped in the transaction discipline spec.md §4.4 describes. TaskManager owns
// N concurrent instances of this loop.
type TaskQueue struct {
	store       domain.Store
	rl          *ratelimiter.RateLimiter
	pool        *workerpool.Pool
	processor   *ActionProcessor
	jobDeadline time.Duration
	broadcaster Broadcaster
	backoff     RetryBackoff

	// lastDispatched accumulates (job, worker) pairs started during the current RunOnce call,
	// single-goroutine-owned (RunOnce is not called concurrently on the same TaskQueue), drained
	// into background executeAndFinalize goroutines once the starting transaction commits.
	lastDispatched []jobWorkerPair
}

func NewTaskQueue(store domain.Store, rl *ratelimiter.RateLimiter, pool *workerpool.Pool, processor *ActionProcessor, jobDeadline time.Duration, broadcaster Broadcaster) *TaskQueue {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &TaskQueue{store: store, rl: rl, pool: pool, processor: processor, jobDeadline: jobDeadline, broadcaster: broadcaster, backoff: DefaultRetryBackoff}
}

// WithRetryBackoff overrides the transient-retry backoff series, used by cmd/server to
// wire config.Config's RETRY_* settings through instead of the built-in default.
func (q *TaskQueue) WithRetryBackoff(b RetryBackoff) *TaskQueue {
	q.backoff = b
	return q
}

// ActiveWorkerCount reports the worker pool's current active-dispatch count, surfaced by
// TaskManager for GET /jobs/stats.
func (q *TaskQueue) ActiveWorkerCount() int { return q.pool.ActiveCount() }

// RunOnce performs one dequeue-and-dispatch pass. It returns the number of jobs it managed to
// pair with a worker (0 means the caller should sleep per §5's suspension-point policy).
func (q *TaskQueue) RunOnce(ctx context.Context) (int, error) {
	ctx, span := queueTracer.Start(ctx, "taskqueue.run_once")
	defer span.End()

	tx, err := q.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=taskqueue.run_once: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := q.pool.Refresh(ctx, tx); err != nil {
		return 0, fmt.Errorf("op=taskqueue.run_once: %w", err)
	}

	jobs, err := q.store.Jobs().DequeuePending(ctx, tx, DequeueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("op=taskqueue.run_once: %w", err)
	}
	if len(jobs) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("op=taskqueue.run_once: %w", err)
		}
		committed = true
		return 0, nil
	}

	byClass := map[domain.ActionClass][]domain.Job{}
	for _, j := range jobs {
		class, ok := domain.ClassForJobType(j.Type)
		if !ok {
			class = domain.ClassRead
		}
		byClass[class] = append(byClass[class], j)
	}

	dispatched := 0
	var released []domain.Job
	for class, group := range byClass {
		workers, err := q.pool.GetAvailable(ctx, class, len(group))
		if err != nil {
			return 0, fmt.Errorf("op=taskqueue.run_once: %w", err)
		}
		if len(workers) == 0 {
			released = append(released, group...)
			continue
		}
		pairs := pairJobsRoundRobin(group, workers)
		for _, pr := range pairs {
			if err := q.startJob(ctx, tx, pr.job, pr.worker); err != nil {
				slog.ErrorContext(ctx, "failed to start job", slog.String("job_id", pr.job.ID), slog.Any("error", err))
				released = append(released, pr.job)
				continue
			}
			dispatched++
		}
		for _, leftover := range group[len(pairs):] {
			released = append(released, leftover)
		}
	}

	for _, j := range released {
		if err := q.store.Jobs().ReleaseLock(ctx, tx, j.ID); err != nil {
			return 0, fmt.Errorf("op=taskqueue.run_once: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=taskqueue.run_once: %w", err)
	}
	committed = true

	for _, pr := range q.lastDispatched {
		go q.executeAndFinalize(context.WithoutCancel(ctx), pr.job, pr.worker)
	}
	q.lastDispatched = nil

	return dispatched, nil
}

type jobWorkerPair struct {
	job    domain.Job
	worker domain.Account
}

// pairJobsRoundRobin distributes group across workers round-robin, stable order, per §4.4.
// One worker handles at most one job per pass, so the pair count is bounded by whichever of
// group/workers is scarcer.
func pairJobsRoundRobin(group []domain.Job, workers []domain.Account) []jobWorkerPair {
	n := len(group)
	if len(workers) < n {
		n = len(workers)
	}
	pairs := make([]jobWorkerPair, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, jobWorkerPair{job: group[i], worker: workers[i]})
	}
	return pairs
}

// startJob transitions job to running, creates the Action row for mutating classes (failing
// distinctly with ErrConflict on a dedup hit), and queues it for async execution. Per §7's
// Dedup kind and §8's "completed Actions ≤ 1" invariant, a mutating job whose (account, class,
// target) already has a completed Action short-circuits straight to JobCompleted referencing
// that original job — no second Action row, no re-dispatch.
func (q *TaskQueue) startJob(ctx context.Context, tx domain.Tx, job domain.Job, worker domain.Account) error {
	now := time.Now()
	class, _ := domain.ClassForJobType(job.Type)

	if err := q.pool.Activate(worker.ID); err != nil {
		return fmt.Errorf("op=taskqueue.start_job: %w", err)
	}
	activated := true
	defer func() {
		if activated {
			q.pool.Deactivate(worker.ID)
		}
	}()

	if class.Mutating() {
		targetID := str(job.InputParams, "target")
		if targetID == "" {
			targetID = str(job.InputParams, "username")
		}
		dup, found, err := q.store.Actions().FindCompletedDuplicate(ctx, worker.ID, class, targetID)
		if err != nil {
			return fmt.Errorf("op=taskqueue.start_job: %w", err)
		}
		if found {
			result := map[string]any{"duplicate_of_job_id": dup.JobID}
			if err := q.store.Jobs().MarkCompleted(ctx, tx, job.ID, result); err != nil {
				return fmt.Errorf("op=taskqueue.start_job: %w", err)
			}
			q.broadcaster.BroadcastJobUpdate(job.ID, domain.JobCompleted, result)
			return nil
		}
		action := domain.Action{AccountID: worker.ID, JobID: job.ID, ActionType: job.Type, Class: class, TargetID: targetID}
		if _, err := q.store.Actions().CreateAction(ctx, action); err != nil {
			return fmt.Errorf("op=taskqueue.start_job: %w", err)
		}
	}

	if err := q.store.Jobs().MarkRunning(ctx, tx, job.ID, worker.ID, now); err != nil {
		return fmt.Errorf("op=taskqueue.start_job: %w", err)
	}
	if err := q.store.Accounts().TouchLastTask(ctx, tx, worker.ID, now); err != nil {
		return fmt.Errorf("op=taskqueue.start_job: %w", err)
	}
	if err := q.store.Accounts().IncrementRequestCounter(ctx, tx, worker.ID); err != nil {
		return fmt.Errorf("op=taskqueue.start_job: %w", err)
	}

	// Worker stays active (held out of GetAvailable) until executeAndFinalize releases it.
	activated = false

	job.Status = domain.JobRunning
	job.AssignedWorkerID = &worker.ID
	q.lastDispatched = append(q.lastDispatched, jobWorkerPair{job: job, worker: worker})
	return nil
}

// executeAndFinalize runs ActionProcessor.Execute under the 30-min per-job deadline and
// persists the outcome, applying the §4.5/§7 error-classification rules.
func (q *TaskQueue) executeAndFinalize(ctx context.Context, job domain.Job, worker domain.Account) {
	ctx, cancel := context.WithTimeout(ctx, q.jobDeadline)
	defer cancel()
	defer q.pool.Deactivate(worker.ID)

	outcome := q.processor.Execute(ctx, job, worker)

	tx, err := q.store.Begin(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to begin finalize tx", slog.Any("error", err))
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	class, _ := domain.ClassForJobType(job.Type)

	if outcome.Err == nil {
		if err := q.store.Jobs().MarkCompleted(ctx, tx, job.ID, outcome.Result); err != nil {
			slog.ErrorContext(ctx, "failed to mark job completed", slog.Any("error", err))
			return
		}
		if err := q.store.Accounts().IncrementCounters(ctx, tx, worker.ID, true, false); err != nil {
			slog.ErrorContext(ctx, "failed to increment account counters", slog.Any("error", err))
			return
		}
		if class.Mutating() {
			q.finalizeAction(ctx, tx, job, worker, domain.ActionCompleted, "", outcome.ActionResult)
		}
		if err := tx.Commit(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to commit finalize tx", slog.Any("error", err))
			return
		}
		committed = true
		q.broadcaster.BroadcastJobUpdate(job.ID, domain.JobCompleted, outcome.Result)
		return
	}

	q.finalizeFailure(ctx, tx, job, worker, class, outcome)
	if err := tx.Commit(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to commit finalize-failure tx", slog.Any("error", err))
		return
	}
	committed = true
}

func (q *TaskQueue) finalizeAction(ctx context.Context, tx domain.Tx, job domain.Job, worker domain.Account, status domain.ActionStatus, errMsg string, res *domain.PlatformResult) {
	active, err := q.store.Actions().FindActive(ctx, worker.ID, mustClass(job.Type), targetFrom(job))
	if err != nil {
		return
	}
	var remaining *int
	var reset *time.Time
	if res != nil {
		remaining, reset = res.RateLimitRemaining, res.RateLimitReset
	}
	if err := q.store.Actions().UpdateStatus(ctx, tx, active.ID, status, errMsg, remaining, reset); err != nil {
		slog.ErrorContext(ctx, "failed to update action status", slog.Any("error", err))
	}
}

func mustClass(t domain.JobType) domain.ActionClass {
	c, _ := domain.ClassForJobType(t)
	return c
}

func targetFrom(job domain.Job) string {
	t := str(job.InputParams, "target")
	if t == "" {
		t = str(job.InputParams, "username")
	}
	return t
}

// finalizeFailure applies the §4.5/§7 error-classification outcomes: transient (retry up to
// 3x with backoff), auth (deactivate + reassign without incrementing retry), permanent (fail
// immediately), rate-limited (requeue with earliest_retry_time and remove the worker from the
// active set; the worker is not held back until the reported reset).
func (q *TaskQueue) finalizeFailure(ctx context.Context, tx domain.Tx, job domain.Job, worker domain.Account, class domain.ActionClass, outcome Outcome) {
	errMsg := outcome.Err.Error()

	switch outcome.Kind {
	case domain.PlatformErrAuth:
		_ = q.store.Accounts().UpdateValidationState(ctx, tx, worker.ID, domain.ValidationPending)
		_ = q.store.Jobs().Requeue(ctx, tx, job.ID, false)
		if class.Mutating() {
			q.finalizeAction(ctx, tx, job, worker, domain.ActionFailed, errMsg, nil)
		}
		q.pool.Deactivate(worker.ID)

	case domain.PlatformErrRateLimit:
		// earliest_retry_time: honor the platform's retry-after when it gave one, otherwise
		// fall back to a conservative default window. retry_count is incremented while it is
		// below domain.MaxRetryCount (S5); once the budget is exhausted the job is still
		// requeued, without incrementing.
		retryAfter := defaultRateLimitRetry
		if outcome.RetryAfter != nil {
			retryAfter = *outcome.RetryAfter
		}
		_ = q.store.Jobs().RequeueAfter(ctx, tx, job.ID, job.RetryCount < domain.MaxRetryCount, time.Now().Add(retryAfter))
		if class.Mutating() {
			q.finalizeAction(ctx, tx, job, worker, domain.ActionFailed, errMsg, outcome.ActionResult)
		}
		q.pool.Deactivate(worker.ID)

	case domain.PlatformErrPermanent:
		_ = q.store.Jobs().MarkFailed(ctx, tx, job.ID, errMsg, false)
		_ = q.store.Accounts().IncrementCounters(ctx, tx, worker.ID, false, true)
		if class.Mutating() {
			q.finalizeAction(ctx, tx, job, worker, domain.ActionFailed, errMsg, nil)
		}

	default: // transient
		if job.RetryCount+1 >= domain.MaxRetryCount {
			_ = q.store.Jobs().MarkFailed(ctx, tx, job.ID, errMsg, true)
			_ = q.store.Accounts().IncrementCounters(ctx, tx, worker.ID, false, true)
			if class.Mutating() {
				q.finalizeAction(ctx, tx, job, worker, domain.ActionFailed, errMsg, nil)
			}
		} else {
			delay := q.backoff.delay(job.RetryCount)
			_ = q.store.Jobs().RequeueAfter(ctx, tx, job.ID, true, time.Now().Add(delay))
			if class.Mutating() {
				q.finalizeAction(ctx, tx, job, worker, domain.ActionFailed, errMsg, nil)
			}
		}
	}

	q.broadcaster.BroadcastJobUpdate(job.ID, domain.JobFailed, nil)
}
