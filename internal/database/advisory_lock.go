package database

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockID derives the advisory lock key for a ledger table, so runners that
// share a ledger exclude each other while runners on different ledgers do not.
func LockID(ledgerTable string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("schema-migration-runner:" + ledgerTable))

	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // intentional truncation for advisory lock key
}

// LockHandle wraps a dedicated pooled connection that holds a
// session-level advisory lock for the whole run. Call Release to unlock
// and return the connection to the pool.
type LockHandle struct {
	conn *pgxpool.Conn
	id   int64
}

// TryAcquireLock attempts to acquire the session-level advisory lock id.
// Returns ErrLockNotAcquired if another runner holds it. The caller must
// call handle.Release() when done.
func TryAcquireLock(ctx context.Context, pool *pgxpool.Pool, id int64) (*LockHandle, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}

	var acquired bool

	err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired)
	if err != nil {
		conn.Release()

		return nil, fmt.Errorf("executing pg_try_advisory_lock: %w", err)
	}

	if !acquired {
		conn.Release()

		return nil, ErrLockNotAcquired
	}

	return &LockHandle{conn: conn, id: id}, nil
}

// Release unlocks the advisory lock and returns the connection to the pool.
// Safe to call multiple times; subsequent calls are no-ops.
func (h *LockHandle) Release(ctx context.Context) error {
	if h == nil || h.conn == nil {
		return nil
	}

	_, err := h.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", h.id)
	h.conn.Release()
	h.conn = nil

	if err != nil {
		return fmt.Errorf("releasing advisory lock: %w", err)
	}

	return nil
}
