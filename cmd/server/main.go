// Command server starts the x-orchestrator HTTP API: job submission, queue control, and the
// WebSocket event feed described in spec.md §6.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	asynqadp "github.com/backspacevenkat/x-orchestrator/internal/adapter/queue/asynq"
	"github.com/backspacevenkat/x-orchestrator/internal/adapter/httpserver"
	"github.com/backspacevenkat/x-orchestrator/internal/adapter/observability"
	"github.com/backspacevenkat/x-orchestrator/internal/adapter/platform"
	"github.com/backspacevenkat/x-orchestrator/internal/adapter/repo/postgres"
	"github.com/backspacevenkat/x-orchestrator/internal/app"
	"github.com/backspacevenkat/x-orchestrator/internal/config"
	"github.com/backspacevenkat/x-orchestrator/internal/domain"
	"github.com/backspacevenkat/x-orchestrator/internal/service/ratelimiter"
	"github.com/backspacevenkat/x-orchestrator/internal/service/workerpool"
	"github.com/backspacevenkat/x-orchestrator/internal/usecase"
)

func main() {
	seedAccountsPath := flag.String("seed-accounts", "", "path to a YAML file of worker accounts to insert on boot (dev/test only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

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

	// Migrations run through database/sql (goose's driving interface); runtime queries go
	// through the pgxpool below.
	sqlDB, err := sql.Open("pgx", cfg.DBURL)
	if err != nil {
		slog.Error("sql.Open failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postgres.Migrate(sqlDB); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	_ = sqlDB.Close()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)

	if *seedAccountsPath != "" {
		n, err := seedAccountsFromYAML(ctx, store.Accounts(), *seedAccountsPath)
		if err != nil {
			slog.Error("account seeding failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("seeded worker accounts", slog.Int("count", n))
	}

	rdb := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
	defer func() { _ = rdb.Close() }()

	// The "read" key seeds a per-class default bucket (classSuffix's fallback path in
	// RedisLuaLimiter.Allow) so every account's read-class traffic shares a single
	// capacity/refill-rate budget derived from spec.md §4.3's default read limit, without
	// requiring a per-account override to be registered first.
	readPerMin := domain.DefaultRateLimits[domain.ClassRead].Per15Min / 15
	bucketCfg := map[string]ratelimiter.BucketConfig{
		string(domain.ClassRead): ratelimiter.NewBucketConfigFromPerMinute(readPerMin),
	}
	readCache := ratelimiter.NewRedisLuaLimiter(rdb, pool, bucketCfg)
	if err := readCache.WarmFromPostgres(ctx); err != nil {
		slog.Warn("rate limit bucket warm from postgres failed", slog.Any("error", err))
	}
	rl := ratelimiter.New(store.Actions(), ratelimiter.WithReadCache(readCache))

	pl := workerpool.New(store, rl, cfg.MaxConcurrentWorkers, cfg.MaxRequestsPerWorker, cfg.WorkerStaleness)

	platformClient := &platform.Stub{}
	broadcastHub := httpserver.NewHub()
	go broadcastHub.Run()
	defer broadcastHub.Stop()

	processor := usecase.NewActionProcessor(store, platformClient, broadcastHub, "x.com", 60*time.Second)
	queue := usecase.NewTaskQueue(store, rl, pl, processor, cfg.JobDeadline, broadcastHub).
		WithRetryBackoff(usecase.RetryBackoff{
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   cfg.RetryMultiplier,
			Jitter:       cfg.RetryJitter,
		})

	wakeQueue, err := asynqadp.New(cfg.RedisURL)
	if err != nil {
		slog.Error("asynq producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = wakeQueue.Close() }()

	manager := usecase.NewTaskManager(queue, store, broadcastHub, wakeQueue, cfg.MaxConcurrentWorkers, cfg.WorkerPollInterval, cfg.MonitorTickInterval, cfg.StopGrace)

	if n, err := store.Jobs().RecoverOnBoot(ctx); err != nil {
		slog.Error("boot recovery failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("recovered jobs on boot", slog.Int64("count", n))
	}

	manager.Start(ctx)
	defer manager.Stop()

	cleanupSvc := postgres.NewCleanupService(pool, store.Jobs(), store.Actions(), cfg.DataRetentionDays, cfg.JobDeadline, cfg.ActionStaleAge)
	if sweeper := app.NewStuckJobSweeper(cleanupSvc, broadcastHub, cfg.CleanupInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	srv := httpserver.NewServer(cfg, manager, store, broadcastHub, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func mustParseRedisURL(dsn string) *redis.Options {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	return opt
}
