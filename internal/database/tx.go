package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so store and ledger
// functions can run standalone or inside a caller's unit of work.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type TxOptions struct {
	IsolationLevel sql.IsolationLevel
	ReadOnly       bool
	MaxRetries     int
	BaseBackoff    time.Duration
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		ReadOnly:       false,
		MaxRetries:     3,
		BaseBackoff:    50 * time.Millisecond,
	}
}

// CheckoutTxOptions is used by every unit of work that touches stock. Reserve
// conflicts are retried with a fresh snapshot, so the budget is larger than
// the default.
func CheckoutTxOptions() TxOptions {
	opts := DefaultTxOptions()
	opts.MaxRetries = 8
	opts.BaseBackoff = 10 * time.Millisecond
	return opts
}

func WithTransaction(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// WithRetry runs fn in a fresh transaction until it commits, fails with a
// permanent error, or the retry budget runs out.
func WithRetry(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	backoff := opts.BaseBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		committing, err := runOnce(ctx, db, opts, fn)
		if err == nil {
			return nil
		}
		if ClassifyError(err) == ErrorClassPermanent {
			if committing {
				return fmt.Errorf("commit transaction: %w", err)
			}
			return err
		}
		if attempt == opts.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", opts.MaxRetries, err)
		}
		lastErr = err

		if err := sleepBackoff(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}

	return lastErr
}

// runOnce reports whether a returned error came from Commit.
func runOnce(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) (bool, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return false, fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return true, err
	}
	return false, nil
}

func sleepBackoff(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(backoff/4) + 1))
	select {
	case <-time.After(backoff + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
