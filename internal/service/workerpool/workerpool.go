// Package workerpool implements C2 WorkerPool: the eligible-worker-account cache, health
// checks, activation, and rotation described in spec.md §4.2, grounded on
// original_source/backend/app/services/worker_pool.py.
package workerpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/backspacevenkat/x-orchestrator/internal/adapter/observability"
	"github.com/backspacevenkat/x-orchestrator/internal/domain"
	"github.com/backspacevenkat/x-orchestrator/internal/service/ratelimiter"
)

var tracer = otel.Tracer("service.workerpool")

// Pool is C2: an in-memory projection of dispatchable worker accounts, refreshed from
// JobStore before every batch-assignment pass, guarded by a single mutex per spec.md §5
// ("owned by TaskManager and guarded by a single reentrant mutex").
type Pool struct {
	store domain.Store
	rl    *ratelimiter.RateLimiter

	maxConcurrentWorkers int
	maxRequestsPerWorker int
	staleness            time.Duration

	mu            sync.Mutex
	cache         map[string]domain.Account // accountID -> projection
	activeWorkers map[string]bool
}

func New(store domain.Store, rl *ratelimiter.RateLimiter, maxConcurrentWorkers, maxRequestsPerWorker int, staleness time.Duration) *Pool {
	return &Pool{
		store:                store,
		rl:                   rl,
		maxConcurrentWorkers: maxConcurrentWorkers,
		maxRequestsPerWorker: maxRequestsPerWorker,
		staleness:            staleness,
		cache:                map[string]domain.Account{},
		activeWorkers:        map[string]bool{},
	}
}

// Refresh reloads the eligible worker set from JobStore within tx.
func (p *Pool) Refresh(ctx context.Context, tx domain.Tx) error {
	ctx, span := tracer.Start(ctx, "workerpool.refresh")
	defer span.End()

	accounts, err := p.store.Accounts().ListDispatchable(ctx, tx, 10_000)
	if err != nil {
		return fmt.Errorf("op=workerpool.refresh: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]domain.Account, len(accounts))
	for _, a := range accounts {
		p.cache[a.ID] = a
	}
	for id := range p.activeWorkers {
		if _, ok := p.cache[id]; !ok {
			delete(p.activeWorkers, id)
		}
	}
	return nil
}

// Healthy reports whether the cached projection of this worker passes the §4.2 health check.
func (p *Pool) Healthy(accountID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.cache[accountID]
	if !ok {
		return false
	}
	return a.Healthy(now, p.staleness) && !a.PlatformRateLimited()
}

// GetAvailable returns up to n workers that are dispatchable, pass RateLimiter.CheckAllowed
// for class, pass the health check, and are not already active — ordered ascending by
// (requests_15m, total_completed) as specified for Rotate.
func (p *Pool) GetAvailable(ctx context.Context, class domain.ActionClass, n int) ([]domain.Account, error) {
	ctx, span := tracer.Start(ctx, "workerpool.get_available")
	defer span.End()

	p.mu.Lock()
	candidates := make([]domain.Account, 0, len(p.cache))
	now := time.Now()
	for id, a := range p.cache {
		if p.activeWorkers[id] {
			continue
		}
		if !a.Healthy(now, p.staleness) || a.PlatformRateLimited() {
			continue
		}
		candidates = append(candidates, a)
	}
	p.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Requests15m != candidates[j].Requests15m {
			return candidates[i].Requests15m < candidates[j].Requests15m
		}
		return candidates[i].TotalCompleted < candidates[j].TotalCompleted
	})

	var out []domain.Account
	for _, a := range candidates {
		if len(out) >= n {
			break
		}
		d, err := p.rl.CheckAllowed(ctx, a.ID, class, "")
		if err != nil {
			return nil, fmt.Errorf("op=workerpool.get_available: %w", err)
		}
		if !d.Allowed {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Activate marks accountID active, refusing if it would exceed max_concurrent_workers or if
// the account's requests_15m counter already exceeds 15 × max_requests_per_worker.
func (p *Pool) Activate(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.cache[accountID]
	if !ok {
		return fmt.Errorf("op=workerpool.activate: %w", domain.ErrNotFound)
	}
	if int(a.Requests15m) > p.maxRequestsPerWorker*15 {
		observability.RecordWorkerActivation("over_budget")
		return fmt.Errorf("op=workerpool.activate: %w: worker over its request budget", domain.ErrRateLimited)
	}
	if len(p.activeWorkers) >= p.maxConcurrentWorkers {
		observability.RecordWorkerActivation("at_capacity")
		return fmt.Errorf("op=workerpool.activate: %w: active worker cap reached", domain.ErrConflict)
	}
	p.activeWorkers[accountID] = true
	observability.RecordWorkerActivation("ok")
	return nil
}

// Deactivate removes accountID from the active set.
func (p *Pool) Deactivate(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.activeWorkers[accountID]; ok {
		delete(p.activeWorkers, accountID)
		observability.RecordWorkerDeactivation()
	}
}

// ActiveCount reports the current number of active workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeWorkers)
}

// Rotate implements §4.2 Rotation: deactivate unhealthy/rate-limited active workers, then
// refill the active set up to cap from the sorted-available list, preferring ids already
// holding assignments in the current batch (passed in preferred).
func (p *Pool) Rotate(ctx context.Context, class domain.ActionClass, preferred map[string]bool) ([]string, []string, error) {
	ctx, span := tracer.Start(ctx, "workerpool.rotate")
	defer span.End()

	now := time.Now()
	var deactivated []string
	p.mu.Lock()
	for id := range p.activeWorkers {
		a, ok := p.cache[id]
		if !ok || !a.Healthy(now, p.staleness) || a.PlatformRateLimited() {
			delete(p.activeWorkers, id)
			deactivated = append(deactivated, id)
		}
	}
	room := p.maxConcurrentWorkers - len(p.activeWorkers)
	p.mu.Unlock()

	if room <= 0 {
		return nil, deactivated, nil
	}

	avail, err := p.GetAvailable(ctx, class, room*4) // oversample before preference sort
	if err != nil {
		return nil, deactivated, fmt.Errorf("op=workerpool.rotate: %w", err)
	}
	sort.SliceStable(avail, func(i, j int) bool {
		pi, pj := preferred[avail[i].ID], preferred[avail[j].ID]
		if pi != pj {
			return pi
		}
		return false
	})

	var activated []string
	for _, a := range avail {
		if len(activated) >= room {
			break
		}
		if err := p.Activate(a.ID); err == nil {
			activated = append(activated, a.ID)
		}
	}
	return activated, deactivated, nil
}
