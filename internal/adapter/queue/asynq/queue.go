// Package asynqadp provides the wake-up-notification side channel described in SPEC_FULL.md:
// TaskQueue dequeues on a fixed WorkerPollInterval poll, which can leave a freshly-enqueued job
// waiting up to a full interval before any worker loop notices it. Rather than rearchitecting
// the poll loop around a blocking queue, we publish a lightweight "wake" task over Redis via
// asynq whenever a job is created; the corresponding Worker consumes it and immediately fires
// the dequeue loop an extra time, so bursty submissions still drain promptly without changing
// the steady-state polling behaviour the scheduler core was tested against.
package asynqadp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/backspacevenkat/x-orchestrator/internal/adapter/observability"
	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// TaskWake is the asynq task type published on every AddJob.
const TaskWake = "wake_worker_loop"

// wakePayload carries just enough context for observability; the handler doesn't need the
// job's full body since it only triggers an extra TaskQueue.RunOnce pass.
type wakePayload struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
}

// Queue is the producer side: it publishes a wake task per enqueued job.
type Queue struct {
	client *asynq.Client
}

// New connects to Redis at redisURL (same DSN format as config.Config.RedisURL).
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynq.new: redis: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error { return q.client.Close() }

// PublishWake enqueues a wake task for the given job. Delivery is best-effort: a failure here
// only costs up to one extra WorkerPollInterval of latency, never correctness, so callers log
// and continue rather than failing the AddJob call over it.
func (q *Queue) PublishWake(ctx domain.Context, jobID string, jobType domain.JobType) error {
	b, err := json.Marshal(wakePayload{JobID: jobID, JobType: string(jobType)})
	if err != nil {
		return fmt.Errorf("op=asynq.publish_wake: %w", err)
	}
	t := asynq.NewTask(TaskWake, b)
	if _, err := q.client.EnqueueContext(ctx, t, asynq.MaxRetry(0), asynq.Retention(5*time.Minute)); err != nil {
		return fmt.Errorf("op=asynq.publish_wake: %w", err)
	}
	observability.EnqueueJob(string(jobType))
	return nil
}
