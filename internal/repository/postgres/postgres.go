// Package postgres implements repository.Store on PostgreSQL.
//
// Statements are built with ent's dialect-aware SQL builder and executed
// on the shared pgx pool, so the stores, the advisory locks and River all
// draw from one set of connections.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vmconductor.io/conductor/internal/repository"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var psql = entsql.Dialect(dialect.Postgres)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements repository.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*Store)(nil)

// New creates a store on pool. The schema must already be applied; see Migrate.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. It is safe to run on every boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply conductor schema: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

func exec(ctx context.Context, db dbtx, q entsql.Querier) (int64, error) {
	query, args := q.Query()
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collect[T any](ctx context.Context, db dbtx, q entsql.Querier, scan pgx.RowToFunc[T]) ([]T, error) {
	query, args := q.Query()
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scan)
}

// one returns repository.ErrNotFound when q selects nothing.
func one[T any](ctx context.Context, db dbtx, q entsql.Querier, scan pgx.RowToFunc[T]) (T, error) {
	query, args := q.Query()
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := pgx.CollectOneRow(rows, scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, repository.ErrNotFound
	}
	return v, err
}

// exists reports whether table has a row with the given id.
func exists(ctx context.Context, db dbtx, table string, id any) (bool, error) {
	n, err := one(ctx, db, psql.Select(entsql.Count("*")).From(entsql.Table(table)).Where(entsql.EQ("id", id)),
		pgx.RowTo[int64])
	return n > 0, err
}

// affectedOrNotFound turns an update that touched nothing into ErrNotFound.
func affectedOrNotFound(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// syncSequence moves table's id sequence past rows inserted with explicit ids.
func syncSequence(ctx context.Context, db dbtx, table string) error {
	_, err := db.Exec(ctx, fmt.Sprintf(
		`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), GREATEST((SELECT MAX(id) FROM %[1]s), 1))`, table))
	return err
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// nullIfEmpty stores absent JSON payloads as NULL.
func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// idIs matches col against an optional id, treating nil as NULL.
func idIs(col string, id *int64) *entsql.Predicate {
	if id == nil {
		return entsql.IsNull(col)
	}
	return entsql.EQ(col, *id)
}

func anys[T any](xs []T) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

// stamp truncates to the precision PostgreSQL stores.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
