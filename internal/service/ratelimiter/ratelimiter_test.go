package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

type fakeActions struct {
	active       map[string]domain.Action
	running      map[string]int64
	windowCounts map[string]int64
	last         map[string]domain.Action
	hasLast      map[string]bool
}

func newFakeActions() *fakeActions {
	return &fakeActions{
		active:       map[string]domain.Action{},
		running:      map[string]int64{},
		windowCounts: map[string]int64{},
		last:         map[string]domain.Action{},
		hasLast:      map[string]bool{},
	}
}

func (f *fakeActions) CreateAction(ctx context.Context, a domain.Action) (domain.Action, error) {
	return a, nil
}
func (f *fakeActions) Get(ctx context.Context, id string) (domain.Action, error) {
	return domain.Action{}, domain.ErrNotFound
}
func (f *fakeActions) FindActive(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	key := accountID + ":" + string(class) + ":" + targetID
	if a, ok := f.active[key]; ok {
		return a, nil
	}
	return domain.Action{}, domain.ErrNotFound
}
func (f *fakeActions) FindCompletedDuplicate(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, bool, error) {
	return domain.Action{}, false, nil
}
func (f *fakeActions) UpdateStatus(ctx context.Context, tx domain.Tx, id string, status domain.ActionStatus, errMsg string, rem *int, reset *time.Time) error {
	return nil
}
func (f *fakeActions) CountInWindow(ctx context.Context, accountID string, class domain.ActionClass, since time.Time) (int64, error) {
	return f.windowCounts[accountID+":"+string(class)], nil
}
func (f *fakeActions) CountInWindowUnion(ctx context.Context, accountID string, classes []domain.ActionClass, since time.Time) (int64, error) {
	var total int64
	for _, c := range classes {
		total += f.windowCounts[accountID+":"+string(c)]
	}
	return total, nil
}
func (f *fakeActions) CountRunning(ctx context.Context, accountID string, class domain.ActionClass) (int64, error) {
	return f.running[accountID+":"+string(class)], nil
}
func (f *fakeActions) LastAttempt(ctx context.Context, accountID string, class domain.ActionClass) (domain.Action, bool, error) {
	key := accountID + ":" + string(class)
	return f.last[key], f.hasLast[key], nil
}
func (f *fakeActions) SweepStaleRunning(ctx context.Context, maxAge time.Duration) (int64, error) {
	return 0, nil
}

var _ domain.ActionRepository = (*fakeActions)(nil)

func TestCheckAllowed_DeniesDuplicateTarget(t *testing.T) {
	fa := newFakeActions()
	fa.active["acct1:like:tweet-1"] = domain.Action{ID: "a1"}
	rl := New(fa)

	d, err := rl.CheckAllowed(context.Background(), "acct1", domain.ClassLike, "tweet-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckAllowed_DeniesWithinMinSpacing(t *testing.T) {
	fa := newFakeActions()
	fa.last["acct1:like"] = domain.Action{CreatedAt: time.Now().Add(-5 * time.Minute)}
	fa.hasLast["acct1:like"] = true
	rl := New(fa)

	d, err := rl.CheckAllowed(context.Background(), "acct1", domain.ClassLike, "tweet-2")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestCheckAllowed_DeniesOnDailyCap(t *testing.T) {
	fa := newFakeActions()
	fa.windowCounts["acct1:like"] = 96
	rl := New(fa)

	d, err := rl.CheckAllowed(context.Background(), "acct1", domain.ClassLike, "tweet-3")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckAllowed_PostClassSharesCombinedBudget(t *testing.T) {
	fa := newFakeActions()
	fa.windowCounts["acct1:post"] = 16
	rl := New(fa)

	d, err := rl.CheckAllowed(context.Background(), "acct1", domain.ClassPost, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckAllowed_AllowsFreshAccount(t *testing.T) {
	fa := newFakeActions()
	rl := New(fa)

	d, err := rl.CheckAllowed(context.Background(), "acct1", domain.ClassFollow, "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAllowed_UnknownClassIsInvalidArgument(t *testing.T) {
	fa := newFakeActions()
	rl := New(fa)

	_, err := rl.CheckAllowed(context.Background(), "acct1", domain.ActionClass("bogus"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
