// Package ratelimiter implements C1 RateLimiter: the sliding-window, min-spacing,
// parallel-cap rate limiting described in spec.md §4.1, grounded on
// original_source/backend/app/services/rate_limiter.py (RATE_LIMITS, check_rate_limit,
// record_attempt).
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/backspacevenkat/x-orchestrator/internal/adapter/observability"
	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

var tracer = otel.Tracer("service.ratelimiter")

// Decision is the outcome of a CheckAllowed call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// RateLimiter is C1: per-(account, ActionClass) admission control backed by the Postgres
// actions table as the source of truth, with an optional Redis fast-path cache (via
// ReadCache) for the high-volume `read` class.
type RateLimiter struct {
	actions   domain.ActionRepository
	limits    map[domain.ActionClass]domain.RateLimitRule
	readCache Limiter // optional fast-path for ClassRead; nil disables the cache
	now       func() time.Time
}

// Option configures a RateLimiter at construction.
type Option func(*RateLimiter)

// WithLimits overrides the default per-class rate limit table (e.g. loaded from YAML).
func WithLimits(limits map[domain.ActionClass]domain.RateLimitRule) Option {
	return func(r *RateLimiter) { r.limits = limits }
}

// WithReadCache installs a Limiter (typically *RedisLuaLimiter) as a fast-path admission
// check for the high-volume `read` class, avoiding a Postgres round trip on every scrape.
func WithReadCache(c Limiter) Option {
	return func(r *RateLimiter) { r.readCache = c }
}

// WithClock overrides time.Now for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *RateLimiter) { r.now = now }
}

func New(actions domain.ActionRepository, opts ...Option) *RateLimiter {
	r := &RateLimiter{
		actions: actions,
		limits:  cloneLimits(domain.DefaultRateLimits),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cloneLimits(src map[domain.ActionClass]domain.RateLimitRule) map[domain.ActionClass]domain.RateLimitRule {
	out := make(map[domain.ActionClass]domain.RateLimitRule, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// postClasses is the combined-budget union for the `post` ActionClass (reply + quote +
// create_post share one daily cap per spec.md §4.1).
var postClasses = []domain.ActionClass{domain.ClassPost}

// CheckAllowed evaluates every window (15m/hour/day), the minimum-spacing gap since the
// account's last attempt in this class, the parallel-running cap, and (for mutating classes)
// the dedup invariant against targetID. It does not record the attempt; the attempt is
// recorded when the caller creates the Action (JobStore.Actions().CreateAction) once dispatch
// actually proceeds.
func (r *RateLimiter) CheckAllowed(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (Decision, error) {
	ctx, span := tracer.Start(ctx, "ratelimiter.check_allowed")
	defer span.End()

	rule, ok := r.limits[class]
	if !ok {
		return Decision{}, fmt.Errorf("op=ratelimiter.check_allowed: %w: unknown class %q", domain.ErrInvalidArgument, class)
	}

	if class == domain.ClassRead && r.readCache != nil {
		allowed, retryAfter, err := r.readCache.Allow(ctx, cacheKey(accountID, class), 1)
		if err == nil {
			if !allowed {
				observability.RecordRateLimitDenied(string(class), "read_cache")
				return Decision{Allowed: false, RetryAfter: retryAfter, Reason: "read class per-minute cache exhausted"}, nil
			}
		}
		// fall through to the authoritative Postgres check regardless of cache outcome on error
	}

	now := r.now()

	if class.Mutating() && targetID != "" {
		if _, err := r.actions.FindActive(ctx, accountID, class, targetID); err == nil {
			observability.RecordRateLimitDenied(string(class), "dedup")
			return Decision{Allowed: false, Reason: "duplicate: an active action already targets this id"}, nil
		}
	}

	if rule.Parallel > 0 {
		running, err := r.actions.CountRunning(ctx, accountID, class)
		if err != nil {
			return Decision{}, fmt.Errorf("op=ratelimiter.check_allowed: %w", err)
		}
		if running >= int64(rule.Parallel) {
			observability.RecordRateLimitDenied(string(class), "parallel")
			return Decision{Allowed: false, Reason: "parallel cap reached"}, nil
		}
	}

	if rule.MinSpacing > 0 {
		last, found, err := r.actions.LastAttempt(ctx, accountID, class)
		if err != nil {
			return Decision{}, fmt.Errorf("op=ratelimiter.check_allowed: %w", err)
		}
		if found {
			elapsed := now.Sub(last.CreatedAt)
			if elapsed < rule.MinSpacing {
				observability.RecordRateLimitDenied(string(class), "min_spacing")
				return Decision{Allowed: false, RetryAfter: rule.MinSpacing - elapsed, Reason: "minimum spacing not elapsed"}, nil
			}
		}
	}

	windows := []struct {
		window time.Duration
		cap    int
		label  string
	}{
		{15 * time.Minute, rule.Per15Min, "15m"},
		{time.Hour, rule.PerHour, "hour"},
		{24 * time.Hour, rule.PerDay, "day"},
	}
	for _, w := range windows {
		if w.cap <= 0 {
			continue
		}
		var count int64
		var err error
		if class == domain.ClassPost {
			count, err = r.actions.CountInWindowUnion(ctx, accountID, postClasses, now.Add(-w.window))
		} else {
			count, err = r.actions.CountInWindow(ctx, accountID, class, now.Add(-w.window))
		}
		if err != nil {
			return Decision{}, fmt.Errorf("op=ratelimiter.check_allowed: %w", err)
		}
		if count >= int64(w.cap) {
			observability.RecordRateLimitDenied(string(class), "window_"+w.label)
			return Decision{Allowed: false, RetryAfter: w.window, Reason: fmt.Sprintf("%s window cap reached", w.label)}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// Cleanup demotes Actions stuck `running` beyond the action max-age to `failed`; it is the
// RateLimiter-facing entry point onto ActionRepository.SweepStaleRunning, kept distinct from
// the periodic CleanupService so callers testing RateLimiter in isolation don't need Postgres
// cleanup wiring.
func (r *RateLimiter) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := r.actions.SweepStaleRunning(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("op=ratelimiter.cleanup: %w", err)
	}
	return n, nil
}

func cacheKey(accountID string, class domain.ActionClass) string {
	return fmt.Sprintf("%s:%s", accountID, class)
}
