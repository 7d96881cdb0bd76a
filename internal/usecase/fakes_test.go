package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// fakeTx is a no-op domain.Tx used by the usecase package's own unit tests, independent from
// similarly-named fakes in other packages' test files.
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

func idFor(n int) string {
	const letters = "abcdefghij"
	return "job-" + string(letters[n%len(letters)]) + string(rune('0'+n%10))
}

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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	now := time.Now()
	for _, j := range f.jobs {
		if j.Status != domain.JobPending || len(out) >= limit {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		j.Status = domain.JobLocked
		out = append(out, *j)
	}
	return out, nil
}
func (f *fakeJobs) MarkRunning(ctx context.Context, tx domain.Tx, id, workerID string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobRunning
	j.AssignedWorkerID = &workerID
	j.StartedAt = &startedAt
	return nil
}
func (f *fakeJobs) MarkCompleted(ctx context.Context, tx domain.Tx, id string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobCompleted
	j.Result = result
	return nil
}
func (f *fakeJobs) MarkFailed(ctx context.Context, tx domain.Tx, id string, errMsg string, incrementRetry bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobFailed
	j.Error = errMsg
	if incrementRetry {
		j.RetryCount++
	}
	return nil
}
func (f *fakeJobs) MarkCancelled(ctx context.Context, tx domain.Tx, id string) error { return nil }
func (f *fakeJobs) Requeue(ctx context.Context, tx domain.Tx, id string, incrementRetry bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobPending
	j.NextRetryAt = nil
	if incrementRetry {
		j.RetryCount++
	}
	return nil
}
func (f *fakeJobs) RequeueAfter(ctx context.Context, tx domain.Tx, id string, incrementRetry bool, notBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobPending
	j.NextRetryAt = &notBefore
	if incrementRetry {
		j.RetryCount++
	}
	return nil
}
func (f *fakeJobs) ReleaseLock(ctx context.Context, tx domain.Tx, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobPending
	return nil
}
func (f *fakeJobs) ListByStatus(ctx context.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) ListWithFilters(ctx context.Context, offset, limit int, status, jobType string) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) CountWithFilters(ctx context.Context, status, jobType string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if status != "" && string(j.Status) != status {
			continue
		}
		n++
	}
	return n, nil
}
func (f *fakeJobs) Count(ctx context.Context) (int64, error) { return int64(len(f.jobs)), nil }
func (f *fakeJobs) CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	return 0, nil
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

type fakeAccountsStore struct {
	mu   sync.Mutex
	list []domain.Account
}

func (f *fakeAccountsStore) Create(ctx context.Context, a domain.Account) (string, error) { return a.ID, nil }
func (f *fakeAccountsStore) Get(ctx context.Context, id string) (domain.Account, error) {
	for _, a := range f.list {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrNotFound
}
func (f *fakeAccountsStore) ListDispatchable(ctx context.Context, tx domain.Tx, limit int) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Account(nil), f.list...), nil
}
func (f *fakeAccountsStore) UpdateActivation(ctx context.Context, tx domain.Tx, id string, active bool) error {
	return nil
}
func (f *fakeAccountsStore) UpdateValidationState(ctx context.Context, tx domain.Tx, id string, state domain.ValidationState) error {
	return nil
}
func (f *fakeAccountsStore) IncrementCounters(ctx context.Context, tx domain.Tx, id string, completed, failed bool) error {
	return nil
}
func (f *fakeAccountsStore) IncrementRequestCounter(ctx context.Context, tx domain.Tx, id string) error {
	return nil
}
func (f *fakeAccountsStore) TouchLastTask(ctx context.Context, tx domain.Tx, id string, at time.Time) error {
	return nil
}
func (f *fakeAccountsStore) ResetWindowCounters(ctx context.Context, tx domain.Tx, id string, now time.Time) error {
	return nil
}

var _ domain.AccountRepository = (*fakeAccountsStore)(nil)

type fakeActionsStore struct {
	mu           sync.Mutex
	actions      map[string]*domain.Action
	seq          int
	completedDup *domain.Action
}

func newFakeActionsStore() *fakeActionsStore { return &fakeActionsStore{actions: map[string]*domain.Action{}} }

func (f *fakeActionsStore) CreateAction(ctx context.Context, a domain.Action) (domain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	a.ID = idFor(f.seq)
	a.Status = domain.ActionLocked
	a.CreatedAt = time.Now()
	cp := a
	f.actions[a.ID] = &cp
	return a, nil
}
func (f *fakeActionsStore) Get(ctx context.Context, id string) (domain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return domain.Action{}, domain.ErrNotFound
	}
	return *a, nil
}
func (f *fakeActionsStore) FindActive(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a.AccountID == accountID && a.Class == class && a.TargetID == targetID {
			for _, s := range domain.ActiveActionStatuses {
				if a.Status == s {
					return *a, nil
				}
			}
		}
	}
	return domain.Action{}, domain.ErrNotFound
}
func (f *fakeActionsStore) FindCompletedDuplicate(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completedDup == nil {
		return domain.Action{}, false, nil
	}
	dup := *f.completedDup
	if dup.AccountID != accountID || dup.Class != class || dup.TargetID != targetID {
		return domain.Action{}, false, nil
	}
	return dup, true, nil
}
func (f *fakeActionsStore) UpdateStatus(ctx context.Context, tx domain.Tx, id string, status domain.ActionStatus, errMsg string, rem *int, reset *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.Error = errMsg
	return nil
}
func (f *fakeActionsStore) CountInWindow(ctx context.Context, accountID string, class domain.ActionClass, since time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeActionsStore) CountInWindowUnion(ctx context.Context, accountID string, classes []domain.ActionClass, since time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeActionsStore) CountRunning(ctx context.Context, accountID string, class domain.ActionClass) (int64, error) {
	return 0, nil
}
func (f *fakeActionsStore) LastAttempt(ctx context.Context, accountID string, class domain.ActionClass) (domain.Action, bool, error) {
	return domain.Action{}, false, nil
}
func (f *fakeActionsStore) SweepStaleRunning(ctx context.Context, maxAge time.Duration) (int64, error) {
	return 0, nil
}

var _ domain.ActionRepository = (*fakeActionsStore)(nil)

type fakeDomainStore struct {
	jobs     *fakeJobs
	accounts *fakeAccountsStore
	actions  *fakeActionsStore
}

func newFakeDomainStore(accounts []domain.Account) *fakeDomainStore {
	return &fakeDomainStore{
		jobs:     newFakeJobs(),
		accounts: &fakeAccountsStore{list: accounts},
		actions:  newFakeActionsStore(),
	}
}

func (s *fakeDomainStore) Begin(ctx context.Context) (domain.Tx, error) { return fakeTx{}, nil }
func (s *fakeDomainStore) Accounts() domain.AccountRepository           { return s.accounts }
func (s *fakeDomainStore) Jobs() domain.JobRepository                   { return s.jobs }
func (s *fakeDomainStore) Actions() domain.ActionRepository             { return s.actions }

var _ domain.Store = (*fakeDomainStore)(nil)
