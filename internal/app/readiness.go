// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and redis readiness probes backing GET /readyz.
// The scheduler core has no vector-store/document-parser dependency (those were
// CV-evaluator-specific), so readiness only needs to confirm the two stores this
// orchestrator actually depends on: Postgres (JobStore/AccountRepository) and Redis
// (the rate limiter's sliding-window counters). redisPing is supplied by the caller
// (cmd/server) as `func(ctx) error { return rdb.Ping(ctx).Err() }` since *redis.Client's
// Ping returns a *redis.StatusCmd, not a bare error.
func BuildReadinessChecks(pool Pinger, redisPing func(ctx context.Context) error) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if redisPing == nil {
			return fmt.Errorf("redis not configured")
		}
		return redisPing(ctx)
	}
	return dbCheck, redisCheck
}
