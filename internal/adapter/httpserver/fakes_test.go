package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// fakeTx is a no-op domain.Tx used only by this package's own handler tests.
type fakeTx struct{}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	seq  int
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]*domain.Job{}} }

func (f *fakeJobs) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	j.ID = idFor(f.seq)
	j.Status = domain.JobPending
	j.CreatedAt = time.Now()
	cp := j
	f.jobs[j.ID] = &cp
	return j, nil
}

func idFor(n int) string { return "job-" + string(rune('a'+n%26)) + string(rune('0'+n%10)) }

func (f *fakeJobs) Get(ctx context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}
func (f *fakeJobs) FindByIdempotencyKey(ctx context.Context, key string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.IdemKey != nil && *j.IdemKey == key {
			return *j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}
func (f *fakeJobs) DequeuePending(ctx context.Context, tx domain.Tx, limit int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) MarkRunning(ctx context.Context, tx domain.Tx, id, workerID string, startedAt time.Time) error {
	return nil
}
func (f *fakeJobs) MarkCompleted(ctx context.Context, tx domain.Tx, id string, result map[string]any) error {
	return nil
}
func (f *fakeJobs) MarkFailed(ctx context.Context, tx domain.Tx, id string, errMsg string, incrementRetry bool) error {
	return nil
}
func (f *fakeJobs) MarkCancelled(ctx context.Context, tx domain.Tx, id string) error { return nil }
func (f *fakeJobs) Requeue(ctx context.Context, tx domain.Tx, id string, incrementRetry bool) error {
	return nil
}
func (f *fakeJobs) RequeueAfter(ctx context.Context, tx domain.Tx, id string, incrementRetry bool, notBefore time.Time) error {
	return nil
}
func (f *fakeJobs) ReleaseLock(ctx context.Context, tx domain.Tx, id string) error { return nil }
func (f *fakeJobs) ListByStatus(ctx context.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) ListWithFilters(ctx context.Context, offset, limit int, status, jobType string) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if status != "" && string(j.Status) != status {
			continue
		}
		if jobType != "" && string(j.Type) != jobType {
			continue
		}
		out = append(out, *j)
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}
func (f *fakeJobs) CountWithFilters(ctx context.Context, status, jobType string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if status != "" && string(j.Status) != status {
			continue
		}
		if jobType != "" && string(j.Type) != jobType {
			continue
		}
		n++
	}
	return n, nil
}
func (f *fakeJobs) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.jobs)), nil
}
func (f *fakeJobs) CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}
func (f *fakeJobs) RecoverOnBoot(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeJobs) SetBatch(ctx context.Context, tx domain.Tx, id string, batch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Batch = batch
	return nil
}

var _ domain.JobRepository = (*fakeJobs)(nil)

type fakeAccounts struct{}

func (fakeAccounts) Create(ctx context.Context, a domain.Account) (string, error) { return a.ID, nil }
func (fakeAccounts) Get(ctx context.Context, id string) (domain.Account, error) {
	return domain.Account{}, domain.ErrNotFound
}
func (fakeAccounts) ListDispatchable(ctx context.Context, tx domain.Tx, limit int) ([]domain.Account, error) {
	return nil, nil
}
func (fakeAccounts) UpdateActivation(ctx context.Context, tx domain.Tx, id string, active bool) error {
	return nil
}
func (fakeAccounts) UpdateValidationState(ctx context.Context, tx domain.Tx, id string, state domain.ValidationState) error {
	return nil
}
func (fakeAccounts) IncrementCounters(ctx context.Context, tx domain.Tx, id string, completed, failed bool) error {
	return nil
}
func (fakeAccounts) IncrementRequestCounter(ctx context.Context, tx domain.Tx, id string) error {
	return nil
}
func (fakeAccounts) TouchLastTask(ctx context.Context, tx domain.Tx, id string, at time.Time) error {
	return nil
}
func (fakeAccounts) ResetWindowCounters(ctx context.Context, tx domain.Tx, id string, now time.Time) error {
	return nil
}

var _ domain.AccountRepository = (*fakeAccounts)(nil)

type fakeActions struct{}

func (fakeActions) CreateAction(ctx context.Context, a domain.Action) (domain.Action, error) {
	return a, nil
}
func (fakeActions) Get(ctx context.Context, id string) (domain.Action, error) {
	return domain.Action{}, domain.ErrNotFound
}
func (fakeActions) FindActive(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	return domain.Action{}, domain.ErrNotFound
}
func (fakeActions) FindCompletedDuplicate(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, bool, error) {
	return domain.Action{}, false, nil
}
func (fakeActions) UpdateStatus(ctx context.Context, tx domain.Tx, id string, status domain.ActionStatus, errMsg string, rem *int, reset *time.Time) error {
	return nil
}
func (fakeActions) CountInWindow(ctx context.Context, accountID string, class domain.ActionClass, since time.Time) (int64, error) {
	return 0, nil
}
func (fakeActions) CountInWindowUnion(ctx context.Context, accountID string, classes []domain.ActionClass, since time.Time) (int64, error) {
	return 0, nil
}
func (fakeActions) CountRunning(ctx context.Context, accountID string, class domain.ActionClass) (int64, error) {
	return 0, nil
}
func (fakeActions) LastAttempt(ctx context.Context, accountID string, class domain.ActionClass) (domain.Action, bool, error) {
	return domain.Action{}, false, nil
}
func (fakeActions) SweepStaleRunning(ctx context.Context, maxAge time.Duration) (int64, error) {
	return 0, nil
}

var _ domain.ActionRepository = (*fakeActions)(nil)

type fakeStore struct {
	jobs     *fakeJobs
	accounts fakeAccounts
	actions  fakeActions
}

func newFakeStore() *fakeStore { return &fakeStore{jobs: newFakeJobs()} }

func (s *fakeStore) Begin(ctx context.Context) (domain.Tx, error) { return fakeTx{}, nil }
func (s *fakeStore) Accounts() domain.AccountRepository           { return s.accounts }
func (s *fakeStore) Jobs() domain.JobRepository                   { return s.jobs }
func (s *fakeStore) Actions() domain.ActionRepository             { return s.actions }

var _ domain.Store = (*fakeStore)(nil)
