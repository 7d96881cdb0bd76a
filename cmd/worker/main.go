// Command worker runs the wake-up-notification consumer: it listens for asynq "wake" tasks
// published by the HTTP server on every job submission and fires an extra TaskQueue dequeue
// pass so newly-submitted jobs needn't wait a full WorkerPollInterval to be picked up. It does
// not run the worker loops itself — those live in cmd/server, since TaskManager already starts
// MaxConcurrentWorkers goroutines against the same Postgres-backed queue; this process exists
// purely to shave dispatch latency for bursty submissions when server and worker run as
// separate containers/replicas.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	asynqadp "github.com/backspacevenkat/x-orchestrator/internal/adapter/queue/asynq"
	"github.com/backspacevenkat/x-orchestrator/internal/adapter/observability"
	"github.com/backspacevenkat/x-orchestrator/internal/adapter/platform"
	"github.com/backspacevenkat/x-orchestrator/internal/adapter/repo/postgres"
	"github.com/backspacevenkat/x-orchestrator/internal/config"
	"github.com/backspacevenkat/x-orchestrator/internal/service/ratelimiter"
	"github.com/backspacevenkat/x-orchestrator/internal/service/workerpool"
	"github.com/backspacevenkat/x-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting wake-consumer worker", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	rl := ratelimiter.New(store.Actions())
	pl := workerpool.New(store, rl, cfg.MaxConcurrentWorkers, cfg.MaxRequestsPerWorker, cfg.WorkerStaleness)
	processor := usecase.NewActionProcessor(store, &platform.Stub{}, nil, "x.com", 60*time.Second)
	queue := usecase.NewTaskQueue(store, rl, pl, processor, cfg.JobDeadline, nil)

	worker, err := asynqadp.NewWorker(cfg.RedisURL, queue.RunOnce, cfg.MaxConcurrentWorkers)
	if err != nil {
		slog.Error("asynq worker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := worker.Start(ctx); err != nil {
		slog.Error("asynq worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer worker.Stop()

	slog.Info("wake-consumer worker started, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")
}
