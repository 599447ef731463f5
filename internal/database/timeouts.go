package database

import (
	"context"
	"fmt"
	"time"
)

// SetLockTimeout sets lock_timeout for the rest of the enclosing transaction.
// A statement that cannot get its lock within d fails with SQLSTATE 55P03
// instead of queueing behind long-running transactions.
func SetLockTimeout(ctx context.Context, tx Execer, d time.Duration) error {
	sql := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.Milliseconds())

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("setting lock_timeout: %w", err)
	}

	return nil
}

// LockTimeout returns the lock_timeout currently in effect on q.
func LockTimeout(ctx context.Context, q RowQuerier) (string, error) {
	var value string
	if err := q.QueryRow(ctx, "SHOW lock_timeout").Scan(&value); err != nil {
		return "", fmt.Errorf("reading lock_timeout: %w", err)
	}

	return value, nil
}

// RestoreLockTimeout sets lock_timeout back to value for the rest of the
// enclosing transaction. A SET LOCAL made inside a savepoint survives its
// release, so nested blocks call this before they commit.
func RestoreLockTimeout(ctx context.Context, tx Execer, value string) error {
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", value); err != nil {
		return fmt.Errorf("restoring lock_timeout: %w", err)
	}

	return nil
}

// SetStatementTimeout sets statement_timeout for the rest of the enclosing transaction.
func SetStatementTimeout(ctx context.Context, tx Execer, d time.Duration) error {
	sql := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", d.Milliseconds())

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("setting statement_timeout: %w", err)
	}

	return nil
}

// DisableStatementTimeout turns statement_timeout off for the session held by
// conn. The returned reset restores the session defaults and must be called
// once the long-running statement is done.
func DisableStatementTimeout(ctx context.Context, conn Execer) (func(context.Context) error, error) {
	if _, err := conn.Exec(ctx, "SET statement_timeout TO 0"); err != nil {
		return nil, fmt.Errorf("disabling statement_timeout: %w", err)
	}

	reset := func(ctx context.Context) error {
		if _, err := conn.Exec(ctx, "RESET statement_timeout"); err != nil {
			return fmt.Errorf("resetting statement_timeout: %w", err)
		}

		return nil
	}

	return reset, nil
}
