// Package repository implements all database queries for the admission
// system. It uses pgx directly (no ORM).
//
// Every counter and uniqueness rule shared between concurrent requests is
// enforced here with a single guarded statement or a unique index, never
// with a read followed by a write in application code:
//
//	goroutine A: SELECT sold_count → 9 (quantity 10)
//	goroutine B: SELECT sold_count → 9
//	goroutine A: UPDATE sold_count = 10
//	goroutine B: UPDATE sold_count = 10   ← two admissions, one unit sold
//
// A guarded UPDATE ... WHERE sold_count < quantity re-evaluates its predicate
// against the latest committed row version after waiting for the row lock,
// so the second writer matches zero rows and the caller sees a clean
// "sold out".
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRegistered is returned when an active registration already
// exists for the same email and event.
var ErrAlreadyRegistered = errors.New("email already registered for this event")

// ErrCodeTaken is returned when a generated check-in code collides with an
// existing one.
var ErrCodeTaken = errors.New("check-in code already taken")

const (
	pgUniqueViolation = "23505"

	constraintActiveEmail  = "registrations_event_email_active_key"
	constraintReferralCode = "registrations_referral_code_key"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

// TxManager runs functions inside a database transaction carried by the
// context. Repository calls made with that context join the transaction.
type TxManager struct {
	db *pgxpool.Pool
}

// NewTxManager constructs a TxManager.
func NewTxManager(db *pgxpool.Pool) *TxManager {
	return &TxManager{db: db}
}

// WithTx commits when fn returns nil and rolls back otherwise. Nested calls
// reuse the outer transaction.
func (m *TxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func conn(ctx context.Context, db *pgxpool.Pool) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db
}

func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
