package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

func TestActionRepo_FindCompletedDuplicate_NoneFound(t *testing.T) {
	repo := &ActionRepo{Pool: poolStub{row: rowStub{scan: func(dest ...any) error {
		return pgx.ErrNoRows
	}}}}
	_, found, err := repo.FindCompletedDuplicate(context.Background(), "acct", domain.ClassLike, "tweet-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestActionRepo_Create_ConflictOnDuplicate(t *testing.T) {
	repo := &ActionRepo{Pool: poolStub{row: rowStub{scan: func(dest ...any) error {
		return assertUniqueViolation
	}}}}
	_, err := repo.CreateAction(context.Background(), domain.Action{
		AccountID: "acct", JobID: "job", ActionType: domain.JobTypeLike, Class: domain.ClassLike, TargetID: "tweet-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

var assertUniqueViolation = &fakePgErr{msg: "duplicate key value violates unique constraint \"uq_account_action_target_active\""}

type fakePgErr struct{ msg string }

func (e *fakePgErr) Error() string { return e.msg }
