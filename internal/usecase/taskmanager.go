package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/backspacevenkat/x-orchestrator/internal/adapter/observability"
	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

var managerTracer = otel.Tracer("usecase.taskmanager")

// ManagerStatus is TaskManager's own run state, surfaced by GET /queue/status.
type ManagerStatus string

const (
	ManagerStopped ManagerStatus = "stopped"
	ManagerRunning ManagerStatus = "running"
	ManagerPaused  ManagerStatus = "paused"
)

// Waker lets TaskManager nudge an out-of-band worker-loop wake-up (e.g. over Redis via asynq)
// whenever a job is added, so a freshly-submitted job needn't wait a full WorkerPollInterval
// for any worker loop to notice it. NopWaker is the zero-value default.
type Waker interface {
	PublishWake(ctx context.Context, jobID string, jobType domain.JobType) error
}

// NopWaker discards every wake request; the default when no asynq producer is wired.
type NopWaker struct{}

func (NopWaker) PublishWake(context.Context, string, domain.JobType) error { return nil }

// TaskManager is C6: the top-level supervisor owning N concurrent TaskQueue worker loops, the
// 30s monitor tick, and the batch-tracking/pause/resume/stop lifecycle described in spec.md
// §4.4 and §5. All shared mutable state (status, batch counter) lives behind mu, per §5's
// "single reentrant mutex" concurrency model.
type TaskManager struct {
	queue       *TaskQueue
	store       domain.Store
	broadcaster Broadcaster
	waker       Waker

	numWorkers   int
	pollInterval time.Duration
	monitorTick  time.Duration
	stopGrace    time.Duration

	mu           sync.Mutex
	status       ManagerStatus
	currentBatch int

	stopCh chan struct{}
	doneWG sync.WaitGroup
}

func NewTaskManager(queue *TaskQueue, store domain.Store, broadcaster Broadcaster, waker Waker, numWorkers int, pollInterval, monitorTick, stopGrace time.Duration) *TaskManager {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if waker == nil {
		waker = NopWaker{}
	}
	return &TaskManager{
		queue:        queue,
		store:        store,
		broadcaster:  broadcaster,
		waker:        waker,
		numWorkers:   numWorkers,
		pollInterval: pollInterval,
		monitorTick:  monitorTick,
		stopGrace:    stopGrace,
		status:       ManagerStopped,
		currentBatch: 1, // batches start at 1 per §4.4
	}
}

// Status reports the manager's current run state.
func (m *TaskManager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CurrentBatch reports the batch number new jobs are currently assigned into.
func (m *TaskManager) CurrentBatch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBatch
}

// ActiveWorkerCount reports how many workers the underlying TaskQueue currently has active.
func (m *TaskManager) ActiveWorkerCount() int { return m.queue.ActiveWorkerCount() }

// idempotencyKey derives a stable (account, type, target) key for mutating jobs, letting
// AddJob return the original job instead of inserting a duplicate row when the exact same
// request is resubmitted before it has finished dispatching — spec.md §7's Dedup kind:
// "uniqueness violation on Action. Return an idempotent response referencing the existing
// Action/job; no new job." Empty when the job doesn't carry enough InputParams to key on.
func idempotencyKey(j domain.Job) string {
	account := str(j.InputParams, "account_id")
	if account == "" {
		account = str(j.InputParams, "account_no")
	}
	target := str(j.InputParams, "target")
	if target == "" {
		target = str(j.InputParams, "username")
	}
	if account == "" || target == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", account, j.Type, target)
}

// AddJob assigns job into the current batch and persists it via JobStore, returning the
// created Job (with its generated ID, batch, and pending status). For mutating job types it
// first checks JobRepository.FindByIdempotencyKey and, on a hit, returns the existing job
// unchanged instead of creating a new one.
func (m *TaskManager) AddJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	ctx, span := managerTracer.Start(ctx, "taskmanager.add_job")
	defer span.End()

	if !domain.ValidJobTypes[j.Type] {
		return domain.Job{}, fmt.Errorf("op=taskmanager.add_job: %w: unknown job type %q", domain.ErrInvalidArgument, j.Type)
	}

	if class, ok := domain.ClassForJobType(j.Type); ok && class.Mutating() {
		if key := idempotencyKey(j); key != "" {
			existing, err := m.store.Jobs().FindByIdempotencyKey(ctx, key)
			switch {
			case err == nil:
				return existing, nil
			case errors.Is(err, domain.ErrNotFound):
				j.IdemKey = &key
			default:
				return domain.Job{}, fmt.Errorf("op=taskmanager.add_job: %w", err)
			}
		}
	}

	m.mu.Lock()
	j.Batch = m.currentBatch
	m.mu.Unlock()

	created, err := m.store.Jobs().CreateJob(ctx, j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=taskmanager.add_job: %w", err)
	}

	if err := m.waker.PublishWake(ctx, created.ID, created.Type); err != nil {
		slog.WarnContext(ctx, "wake publish failed; job still dequeues on next poll", slog.String("job_id", created.ID), slog.Any("error", err))
	}

	return created, nil
}

// Start launches numWorkers worker-loop goroutines plus the monitor-tick goroutine. It is a
// no-op if the manager is already running.
func (m *TaskManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status == ManagerRunning {
		m.mu.Unlock()
		return
	}
	m.status = ManagerRunning
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.broadcaster.BroadcastQueueStatus(string(ManagerRunning), "task manager started")

	for i := 0; i < m.numWorkers; i++ {
		m.doneWG.Add(1)
		go m.workerLoop(ctx, i)
	}
	m.doneWG.Add(1)
	go m.monitorLoop(ctx)
}

// workerLoop is one of numWorkers concurrent loops driving TaskQueue.RunOnce per spec.md §4.4.
// When paused, the loop skips dequeuing on every tick until resumed; when stopped, it exits on
// its next tick or immediately via stopCh.
func (m *TaskManager) workerLoop(ctx context.Context, id int) {
	defer m.doneWG.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.isPaused() {
				continue
			}
			n, err := m.queue.RunOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "worker loop run failed", slog.Int("worker_loop", id), slog.Any("error", err))
				continue
			}
			if n == 0 {
				continue // suspension point: no pending work or no available workers this tick
			}
		}
	}
}

func (m *TaskManager) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == ManagerPaused
}

// monitorLoop runs every monitorTick (default 30s): rotates the worker pool (deactivating
// unhealthy workers) and advances the batch counter via advanceBatchIfDrained. It does not
// reassign the in-flight jobs of deactivated workers, and it does not sweep stale Actions
// (postgres.CleanupService does).
func (m *TaskManager) monitorLoop(ctx context.Context) {
	defer m.doneWG.Done()
	ticker := time.NewTicker(m.monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runMonitorTick(ctx)
		}
	}
}

func (m *TaskManager) runMonitorTick(ctx context.Context) {
	ctx, span := managerTracer.Start(ctx, "taskmanager.monitor_tick")
	defer span.End()

	if _, _, err := m.queue.pool.Rotate(ctx, domain.ClassRead, nil); err != nil {
		slog.ErrorContext(ctx, "monitor tick: rotate failed", slog.Any("error", err))
	}

	m.advanceBatchIfDrained(ctx)
}

// advanceBatchIfDrained implements §4.4's round-robin batch progression: once no job remains
// pending or running in any batch (the counts are not filtered by batch), new AddJob calls
// begin filling the next batch.
func (m *TaskManager) advanceBatchIfDrained(ctx context.Context) {
	m.mu.Lock()
	batch := m.currentBatch
	m.mu.Unlock()

	pending, err := m.store.Jobs().CountWithFilters(ctx, string(domain.JobPending), "")
	if err != nil {
		slog.ErrorContext(ctx, "monitor tick: count pending failed", slog.Any("error", err))
		return
	}
	running, err := m.store.Jobs().CountWithFilters(ctx, string(domain.JobRunning), "")
	if err != nil {
		slog.ErrorContext(ctx, "monitor tick: count running failed", slog.Any("error", err))
		return
	}
	if pending == 0 && running == 0 {
		m.mu.Lock()
		if m.currentBatch == batch {
			m.currentBatch++
			observability.RecordBatchAdvance()
		}
		m.mu.Unlock()
	}
}

// Pause suspends dequeuing without affecting in-flight jobs.
func (m *TaskManager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == ManagerRunning {
		m.status = ManagerPaused
		m.broadcaster.BroadcastQueueStatus(string(ManagerPaused), "task manager paused")
	}
}

// Resume lifts a Pause.
func (m *TaskManager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == ManagerPaused {
		m.status = ManagerRunning
		m.broadcaster.BroadcastQueueStatus(string(ManagerRunning), "task manager resumed")
	}
}

// Stop signals every worker/monitor goroutine to exit and waits up to stopGrace for them to
// drain, per §5's stop-grace policy. In-flight jobs (already handed to executeAndFinalize
// goroutines) are not cancelled; only the dequeue loops stop pulling new work.
func (m *TaskManager) Stop() {
	m.mu.Lock()
	if m.status == ManagerStopped {
		m.mu.Unlock()
		return
	}
	m.status = ManagerStopped
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.doneWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.stopGrace):
		slog.Warn("task manager stop grace period elapsed before all worker loops exited")
	}

	m.broadcaster.BroadcastQueueStatus(string(ManagerStopped), "task manager stopped")
}
