// Package storage provides the uniform query/execute/batch/transaction
// adapter over PostgreSQL. Two logical adapters always exist at runtime:
// the CORE adapter and one adapter per registered PII partition.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors surfaced by every adapter method. Callers map these to
// the protocol error taxonomy (transient -> temporarily_unavailable).
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageConflict    = errors.New("storage conflict")
	ErrStorageTimeout     = errors.New("storage timeout")
	ErrNotFound           = errors.New("not found")
)

// Statement is one positional-parameter SQL statement for Batch.
type Statement struct {
	SQL  string
	Args []any
}

// Result reports the outcome of a write.
type Result struct {
	RowsAffected int64
}

// Health is the adapter liveness probe result.
type Health struct {
	Healthy   bool
	LatencyMS int64
}

// Adapter is the uniform storage contract. Parameter binding is positional
// ($1, $2, ...) and injection-safe. Batch is all-or-nothing. Transaction
// serializes its statements and aborts on first failure.
type Adapter interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Execute(ctx context.Context, sql string, args ...any) (Result, error)
	Batch(ctx context.Context, stmts []Statement) ([]Result, error)
	Transaction(ctx context.Context, fn func(tx pgx.Tx) error) error
	Health(ctx context.Context) Health
}

// PGAdapter implements Adapter over a pgx connection pool with a per-call
// deadline applied to every operation.
type PGAdapter struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres creates a new connection pool and wraps it in an adapter.
func NewPostgres(ctx context.Context, dsn string, timeout time.Duration) (*PGAdapter, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return NewAdapter(pool, timeout), nil
}

// NewAdapter wraps an existing pool. timeout <= 0 defaults to 2s.
func NewAdapter(pool *pgxpool.Pool, timeout time.Duration) *PGAdapter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PGAdapter{pool: pool, timeout: timeout}
}

// Close releases the underlying pool.
func (a *PGAdapter) Close() {
	a.pool.Close()
}

func (a *PGAdapter) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// deadlineRows keeps the per-call deadline alive until the caller finishes
// iterating: pgx binds the result stream to the query context, so cancelling
// before Close would abort every scan.
type deadlineRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *deadlineRows) Close() {
	r.Rows.Close()
	r.cancel()
}

// deadlineRow defers the cancel until Scan has drained the row.
type deadlineRow struct {
	row    pgx.Row
	cancel context.CancelFunc
}

func (r *deadlineRow) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

// Query runs a read returning multiple rows. The adapter deadline is
// released when the returned rows are closed.
func (a *PGAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	cctx, cancel := a.withDeadline(ctx)
	rows, err := a.pool.Query(cctx, sql, args...)
	if err != nil {
		cancel()
		return nil, mapError(err)
	}
	return &deadlineRows{Rows: rows, cancel: cancel}, nil
}

// QueryRow runs a read returning at most one row. The adapter deadline is
// released once the row is scanned.
func (a *PGAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	cctx, cancel := a.withDeadline(ctx)
	return &deadlineRow{row: a.pool.QueryRow(cctx, sql, args...), cancel: cancel}
}

// Execute runs a write and reports rows affected.
func (a *PGAdapter) Execute(ctx context.Context, sql string, args ...any) (Result, error) {
	cctx, cancel := a.withDeadline(ctx)
	defer cancel()
	tag, err := a.pool.Exec(cctx, sql, args...)
	if err != nil {
		return Result{}, mapError(err)
	}
	return Result{RowsAffected: tag.RowsAffected()}, nil
}

// Batch executes all statements inside a single transaction. Either every
// statement commits or none does.
func (a *PGAdapter) Batch(ctx context.Context, stmts []Statement) ([]Result, error) {
	results := make([]Result, 0, len(stmts))
	err := a.Transaction(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, s := range stmts {
			b.Queue(s.SQL, s.Args...)
		}
		br := tx.SendBatch(ctx, b)
		defer br.Close()
		for range stmts {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			results = append(results, Result{RowsAffected: tag.RowsAffected()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Transaction runs fn inside a transaction with the adapter deadline.
// Rollback is safe to call even after Commit.
func (a *PGAdapter) Transaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	cctx, cancel := a.withDeadline(ctx)
	defer cancel()

	tx, err := a.pool.Begin(cctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(cctx)

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(cctx); err != nil {
		return mapError(err)
	}
	return nil
}

// Health pings the pool and reports round-trip latency.
func (a *PGAdapter) Health(ctx context.Context) Health {
	cctx, cancel := a.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	err := a.pool.Ping(cctx)
	return Health{
		Healthy:   err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

// mapError folds driver failures into the adapter's sentinel errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01": // unique violation, serialization, deadlock
			return fmt.Errorf("%w: %s", ErrStorageConflict, pgErr.Code)
		case "57014": // query_canceled (statement timeout)
			return fmt.Errorf("%w: %s", ErrStorageTimeout, pgErr.Code)
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
