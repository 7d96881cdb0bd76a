package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

// pgxTx adapts *pgx.Tx / pgxpool transactions to the narrow domain.Tx interface so use cases
// never import pgx directly.
type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// txFromDomain unwraps a domain.Tx back into the concrete pgx.Tx every repository needs to
// issue statements against. Panics on a foreign Tx implementation, which would be a wiring
// bug (every Tx in this codebase is produced by Store.Begin).
func txFromDomain(tx domain.Tx) pgx.Tx {
	pt, ok := tx.(pgxTx)
	if !ok {
		panic("postgres: domain.Tx not produced by this Store")
	}
	return pt.tx
}

// Store is the concrete JobStore (C3) backed by Postgres, matching the teacher's
// transaction/logging/tracing conventions (explicit pgx.TxOptions, commit-guarded rollback).
type Store struct {
	pool     *pgxpool.Pool
	accounts *AccountRepo
	jobs     *JobRepo
	actions  *ActionRepo
}

// NewStore wires the three repositories against a shared pgxpool.
func NewStore(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool}
	s.accounts = &AccountRepo{Pool: pool}
	s.jobs = &JobRepo{Pool: pool}
	s.actions = &ActionRepo{Pool: pool}
	return s
}

func (s *Store) Begin(ctx context.Context) (domain.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=store.Begin: %w", err)
	}
	return pgxTx{tx: tx}, nil
}

func (s *Store) Accounts() domain.AccountRepository { return s.accounts }
func (s *Store) Jobs() domain.JobRepository         { return s.jobs }
func (s *Store) Actions() domain.ActionRepository    { return s.actions }

var _ domain.Store = (*Store)(nil)
