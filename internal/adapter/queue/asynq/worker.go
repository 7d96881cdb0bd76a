package asynqadp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

var workerTracer = otel.Tracer("queue.worker")

// Trigger fires one extra dequeue pass; callers pass usecase.TaskQueue.RunOnce (or
// usecase.TaskManager's underlying queue) so this package stays decoupled from usecase.
type Trigger func(ctx context.Context) (int, error)

// Worker consumes wake tasks from Redis and fires Trigger once per task received. It never
// does the dequeue work itself — TaskQueue.RunOnce already holds the pairing/dispatch logic —
// it is purely a faster-than-WorkerPollInterval nudge.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds an asynq consumer bound to trigger. concurrency bounds how many wake tasks
// can be handled at once; one is enough since Trigger is itself safe to call concurrently
// (TaskQueue.RunOnce dequeues under its own pool/lock accounting).
func NewWorker(redisURL string, trigger Trigger, concurrency int) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskWake, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := workerTracer.Start(ctx, "asynq.wake")
		defer span.End()

		var p wakePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return err
		}
		n, err := trigger(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "wake-triggered dequeue pass failed", slog.String("job_id", p.JobID), slog.Any("error", err))
			return err
		}
		slog.DebugContext(ctx, "wake-triggered dequeue pass", slog.String("job_id", p.JobID), slog.Int("dispatched", n))
		return nil
	})

	return &Worker{server: srv, mux: mux}, nil
}

// Start begins processing wake tasks in the background; call Stop to shut down.
func (w *Worker) Start(_ context.Context) error { return w.server.Start(w.mux) }

// Stop gracefully shuts the consumer down.
func (w *Worker) Stop() { w.server.Shutdown() }
