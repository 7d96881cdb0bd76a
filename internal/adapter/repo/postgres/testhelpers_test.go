package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub adapts a scan func to pgx.Row for table-driven repository tests.
type rowStub struct {
	scan func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// poolStub implements PgxPool against canned responses, following the teacher's
// testhelpers_test.go pattern.
type poolStub struct {
	execErr   error
	execTag   pgconn.CommandTag
	row       rowStub
	queryErr  error
	queryRows pgx.Rows
}

func (p poolStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}

func (p poolStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.row
}

func (p poolStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.queryRows, p.queryErr
}

func (p poolStub) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return nil, nil
}

var _ PgxPool = poolStub{}
