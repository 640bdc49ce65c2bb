// Package postgres is the production storage implementation, backed by
// database/sql + lib/pq for single-row operations and sqlx for the
// named-parameter feed record upserts.
package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

type ctxKey int

const txKey ctxKey = iota

// Store implements every storage.* interface against a single Postgres
// database.
type Store struct {
	db *sqlx.DB
}

// New wraps an open *sql.DB for use as the coordinator's store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// execer is satisfied by both *sqlx.DB and *sqlx.Tx, letting store methods
// stay agnostic to whether they run inside WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

func (s *Store) exec(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn with a transaction bound to the returned context; any store
// method called with that context participates in the same transaction.
// fn's error rolls back the transaction, otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txCtx := context.WithValue(ctx, txKey, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
