package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

func TestJobRepo_Get_NotFound(t *testing.T) {
	repo := &JobRepo{Pool: poolStub{row: rowStub{scan: func(dest ...any) error {
		return pgx.ErrNoRows
	}}}}
	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_Create_SetsDefaults(t *testing.T) {
	repo := &JobRepo{Pool: poolStub{row: rowStub{scan: func(dest ...any) error {
		return nil
	}}}}
	j, err := repo.CreateJob(context.Background(), domain.Job{Type: domain.JobTypeLike})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.JobPending, j.Status)
}

func TestCheckRowsAffected_NotFound(t *testing.T) {
	err := checkRowsAffected(zeroRowsTag{}, nil, "job.test")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type zeroRowsTag struct{}

func (zeroRowsTag) RowsAffected() int64 { return 0 }
