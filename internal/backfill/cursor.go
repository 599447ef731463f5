package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aqasim81/schema-migration-runner/internal/database"
)

// CursorTable holds the last completed window bound of every unfinished backfill.
const CursorTable = "schema_migration_backfills"

// CursorStore persists the resume cursor of a backfill job.
type CursorStore interface {
	// Load returns the last completed key, or nil for a fresh job.
	Load(ctx context.Context, job string) (*int64, error)
	// Save records lastKey through tx, the window's own transaction, so the
	// cursor advances if and only if the window commits.
	Save(ctx context.Context, tx database.Execer, job string, lastKey int64) error
	// Clear forgets the job once it completes.
	Clear(ctx context.Context, job string) error
}

// PGCursors stores cursors in CursorTable.
type PGCursors struct {
	conn database.Conn
}

// NewPGCursors returns a CursorStore backed by conn.
func NewPGCursors(conn database.Conn) *PGCursors {
	return &PGCursors{conn: conn}
}

const createCursorTableSQL = `CREATE TABLE IF NOT EXISTS ` + CursorTable + ` (
    job         TEXT PRIMARY KEY,
    last_key    BIGINT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Load implements CursorStore. It creates the cursor table on first use.
func (c *PGCursors) Load(ctx context.Context, job string) (*int64, error) {
	if _, err := c.conn.Exec(ctx, createCursorTableSQL); err != nil {
		return nil, fmt.Errorf("creating %s: %w", CursorTable, err)
	}

	var key int64

	err := c.conn.QueryRow(ctx, `SELECT last_key FROM `+CursorTable+` WHERE job = $1`, job).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil //nolint:nilnil // no cursor is a valid state
	}

	if err != nil {
		return nil, fmt.Errorf("loading cursor for %s: %w", job, err)
	}

	return &key, nil
}

// Save implements CursorStore.
func (c *PGCursors) Save(ctx context.Context, tx database.Execer, job string, lastKey int64) error {
	_, err := tx.Exec(ctx, `INSERT INTO `+CursorTable+` (job, last_key) VALUES ($1, $2)
		ON CONFLICT (job) DO UPDATE SET last_key = EXCLUDED.last_key, updated_at = NOW()`, job, lastKey)
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", job, err)
	}

	return nil
}

// Clear implements CursorStore.
func (c *PGCursors) Clear(ctx context.Context, job string) error {
	if _, err := c.conn.Exec(ctx, `DELETE FROM `+CursorTable+` WHERE job = $1`, job); err != nil {
		return fmt.Errorf("clearing cursor for %s: %w", job, err)
	}

	return nil
}
