package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Tonytony5278/narc-sub001/repositories"
)

// WithTransaction executes a function within a database transaction.
// Automatically commits on success, rolls back on error.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := txMgr.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Use defer to ensure rollback on panic
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // Re-panic after rollback
		}
	}()

	// Execute the provided function
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	// Commit the transaction
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// retryBackoff is the base delay between contention retries; attempt n waits n*retryBackoff
var retryBackoff = 50 * time.Millisecond

// WithTransactionRetry runs fn in a fresh transaction, retrying the whole
// transaction when it fails with ledger contention. A transaction whose
// append timed out is already aborted, so nothing inside it can be reused.
func WithTransactionRetry(ctx context.Context, txMgr repositories.TransactionManager, attempts int, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = WithTransaction(ctx, txMgr, fn)
		if err == nil || !IsContentionError(err) || attempt == attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}
