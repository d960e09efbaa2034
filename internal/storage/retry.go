package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// retryPolicy bounds how often a transaction is re-run after a transient
// failure. Delays double from baseDelay with up to baseDelay of jitter.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

// knowledgeRetry covers apply, rollback, review and version transactions.
var knowledgeRetry = retryPolicy{maxRetries: 3, baseDelay: 10 * time.Millisecond}

// isRetriable reports whether a failed transaction can be re-run from the
// start: serialization failures, deadlocks and lock timeouts, and
// connection errors raised before the statement reached the server.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// inTx runs fn inside one transaction named op and commits when fn returns
// nil. Retriable failures re-run fn in a fresh transaction, so fn must not
// have effects outside tx.
func (db *DB) inTx(ctx context.Context, op string, p retryPolicy, fn func(tx pgx.Tx) error) error {
	return db.retry(ctx, op, p, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: %s: begin: %w", op, err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: %s: commit: %w", op, err)
		}
		return nil
	})
}

// retry calls fn until it succeeds, fails with a non-retriable error, or
// p.maxRetries re-runs are spent.
func (db *DB) retry(ctx context.Context, op string, p retryPolicy, fn func() error) error {
	delay := p.baseDelay
	var err error
	for attempt := range p.maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == p.maxRetries {
			break
		}
		db.logger.Debug("storage: retrying transaction", "op", op, "attempt", attempt+1, "error", err)

		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return fmt.Errorf("storage: %s: gave up after %d attempts: %w", op, p.maxRetries+1, err)
}
