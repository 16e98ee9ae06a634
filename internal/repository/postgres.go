// Package repository provides persistence implementations for the broker's
// accounts, secret catalog, access requests and access grants.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// DBTX is the subset of *sql.DB and *sql.Tx the queries need.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries implements every store operation against a DBTX, so the same code
// runs inside and outside transactions.
type Queries struct {
	db DBTX
}

// Postgres is the PostgreSQL-backed store.
type Postgres struct {
	*Queries
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
	// TxTimeout bounds transactions whose context carries no deadline.
	TxTimeout time.Duration
}

const defaultTxTimeout = 5 * time.Second

// NewPostgres creates a Postgres store over db.
// db must be a valid connection to a PostgreSQL instance.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{Queries: &Queries{db: db}, DB: db, TxTimeout: defaultTxTimeout}
}

// RunInTx executes fn inside a single transaction. Any error returned by fn
// rolls the transaction back.
func (p *Postgres) RunInTx(ctx context.Context, fn func(*Queries) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.TxTimeout)
		defer cancel()
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
