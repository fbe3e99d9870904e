// Package repository is the Postgres implementation of the storage ports.
// Quota and order state changes are single conditional updates; callers
// learn about a lost race from the returned sentinel error.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ensurePool() error {
	if r.pool == nil {
		return fmt.Errorf("db pool is nil")
	}
	return nil
}

func nullString(val string) interface{} {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) interface{} {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time
	return &t
}

// parseDecimal reads NUMERIC columns selected as text.
func parseDecimal(val string) (decimal.Decimal, error) {
	if val == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(val)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func mapNoRows(err, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return err
}
