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

func newTestManager(t *testing.T) (*TaskManager, *fakeDomainStore) {
	t.Helper()
	store := newFakeDomainStore(nil)
	rl := ratelimiter.New(store.actions)
	pool := workerpool.New(store, rl, 2, 1, 30*time.Minute)
	processor := NewActionProcessor(store, &fakePlatform{}, nil, "x.com", time.Second)
	queue := NewTaskQueue(store, rl, pool, processor, 30*time.Minute, nil)
	return NewTaskManager(queue, store, nil, nil, 2, 10*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond), store
}

func TestTaskManager_AddJob_AssignsCurrentBatch(t *testing.T) {
	m, _ := newTestManager(t)
	job, err := m.AddJob(context.Background(), domain.Job{Type: domain.JobTypeLike, InputParams: map[string]any{"target": "t1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Batch)
}

func TestTaskManager_AddJob_IdempotencyKeyReusesExistingJob(t *testing.T) {
	m, _ := newTestManager(t)
	params := map[string]any{"account_id": "acct1", "target": "t1"}

	first, err := m.AddJob(context.Background(), domain.Job{Type: domain.JobTypeLike, InputParams: params})
	require.NoError(t, err)

	second, err := m.AddJob(context.Background(), domain.Job{Type: domain.JobTypeLike, InputParams: params})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "resubmitting the same (account, type, target) should return the original job, not create a duplicate")

	count, err := m.store.Jobs().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTaskManager_AddJob_RejectsUnknownType(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.AddJob(context.Background(), domain.Job{Type: domain.JobType("bogus")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTaskManager_StartStop_ReturnsWithinGrace(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	assert.Equal(t, ManagerRunning, m.Status())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within the expected grace window")
	}
	assert.Equal(t, ManagerStopped, m.Status())
}

func TestTaskManager_PauseResume_TogglesStatus(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Pause()
	assert.Equal(t, ManagerPaused, m.Status())
	m.Resume()
	assert.Equal(t, ManagerRunning, m.Status())
	m.Stop()
}
