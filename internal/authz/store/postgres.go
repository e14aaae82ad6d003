package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
)

//go:embed schema.sql
var schema string

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store is the PostgreSQL rule store.
type Store struct {
	db   dbtx
	pool *pgxpool.Pool
}

// New constructs a store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("authz/store: migrate: %w", err)
	}
	return nil
}

// WithTx implements authz.RuleStore.
func (s *Store) WithTx(ctx context.Context, fn func(authz.Tx) error) error {
	if s.pool == nil {
		return errors.New("authz/store: nested transaction")
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{db: tx})
	})
}

// mapError translates driver errors into the authz sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return authz.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", authz.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: missing reference %s", authz.ErrNotFound, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", authz.ErrValidation, pgErr.ConstraintName)
		}
	}
	return err
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return authz.ErrNotFound
	}
	return nil
}

// limitArg maps a non-positive limit to SQL NULL, which LIMIT treats as all.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func collectIDs(rows pgx.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, mapError(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}

var (
	_ authz.RuleStore = (*Store)(nil)
	_ authz.Tx        = (*Store)(nil)
)
