package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
	"github.com/backspacevenkat/x-orchestrator/internal/service/ratelimiter"
	"github.com/backspacevenkat/x-orchestrator/internal/service/workerpool"
)

func newTestQueue(t *testing.T, accounts []domain.Account, platform domain.PlatformClient) (*TaskQueue, *fakeDomainStore) {
	t.Helper()
	store := newFakeDomainStore(accounts)
	rl := ratelimiter.New(store.actions)
	pool := workerpool.New(store, rl, 12, 1, 30*time.Minute)
	processor := NewActionProcessor(store, platform, nil, "x.com", time.Second)
	return NewTaskQueue(store, rl, pool, processor, 30*time.Minute, nil), store
}

func TestRunOnce_NoPendingJobs_ReturnsZero(t *testing.T) {
	q, _ := newTestQueue(t, nil, &fakePlatform{})
	n, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunOnce_NoAvailableWorkers_ReleasesLock(t *testing.T) {
	q, store := newTestQueue(t, nil, &fakePlatform{})
	_, err := store.Jobs().CreateJob(context.Background(), domain.Job{Type: domain.JobTypeLike, InputParams: map[string]any{"target": "t1"}})
	require.NoError(t, err)

	n, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := store.Jobs().CountWithFilters(context.Background(), string(domain.JobPending), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRunOnce_DispatchesToAvailableWorker(t *testing.T) {
	worker := domain.Account{ID: "w1", Kind: domain.AccountWorker, Active: true, Login: "alice",
		Credentials: domain.Credentials{AuthToken: "t", CSRFToken: "c"}, ValidationState: domain.ValidationCompleted}
	q, store := newTestQueue(t, []domain.Account{worker}, &fakePlatform{})

	created, err := store.Jobs().CreateJob(context.Background(), domain.Job{Type: domain.JobTypeLike, InputParams: map[string]any{"target": "t1"}})
	require.NoError(t, err)

	n, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// startJob's transition to `running` happens synchronously inside RunOnce's own
	// transaction; ActionProcessor.Execute then runs in a background goroutine and may have
	// already advanced the job to `completed` by the time this assertion runs.
	j, err := store.Jobs().Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Contains(t, []domain.JobStatus{domain.JobRunning, domain.JobCompleted}, j.Status)
}

func TestRunOnce_CompletedDuplicate_ShortCircuitsWithoutNewAction(t *testing.T) {
	worker := domain.Account{ID: "w1", Kind: domain.AccountWorker, Active: true, Login: "alice",
		Credentials: domain.Credentials{AuthToken: "t", CSRFToken: "c"}, ValidationState: domain.ValidationCompleted}
	q, store := newTestQueue(t, []domain.Account{worker}, &fakePlatform{})
	store.actions.completedDup = &domain.Action{JobID: "job-original", AccountID: "w1", Class: domain.ClassLike, TargetID: "t1"}

	created, err := store.Jobs().CreateJob(context.Background(), domain.Job{Type: domain.JobTypeLike, InputParams: map[string]any{"target": "t1"}})
	require.NoError(t, err)

	n, err := q.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := store.Jobs().Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Equal(t, "job-original", j.Result["duplicate_of_job_id"])
	assert.Len(t, store.actions.actions, 0, "no new Action row should be created on a completed-dup hit")
}

func TestPairJobsRoundRobin_BoundedByScarcerSide(t *testing.T) {
	jobs := []domain.Job{{ID: "j1"}, {ID: "j2"}, {ID: "j3"}}
	workers := []domain.Account{{ID: "w1"}}
	pairs := pairJobsRoundRobin(jobs, workers)
	require.Len(t, pairs, 1)
	assert.Equal(t, "j1", pairs[0].job.ID)
	assert.Equal(t, "w1", pairs[0].worker.ID)
}
