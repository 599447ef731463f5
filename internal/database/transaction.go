package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ExecInTransaction runs fn inside a transaction opened on conn. When conn is
// itself a transaction the work runs in a savepoint.
// On success the transaction is committed; on error it is rolled back.
func ExecInTransaction(ctx context.Context, conn Conn, fn func(tx pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // rollback on committed tx returns ErrTxClosed

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// ExecWithoutTransaction executes SQL directly on conn, outside any
// transaction. Required for statements like CREATE INDEX CONCURRENTLY
// which cannot run inside a transaction block.
func ExecWithoutTransaction(ctx context.Context, conn Execer, sql string) error {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		return fmt.Errorf("executing outside transaction: %w", err)
	}

	return nil
}
