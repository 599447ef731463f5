// Package ledger persists which migration versions have been applied. A
// version is present if and only if its unit ran to completion; rollback
// deletes the row.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aqasim81/schema-migration-runner/internal/database"
)

// Entry is a row of the ledger table.
type Entry struct {
	Version    string
	Name       string
	Checksum   string
	AppliedAt  time.Time
	DurationMs int64
}

// Record contains the fields written when a version is applied.
type Record struct {
	Version    string
	Name       string
	Checksum   string
	DurationMs int64
}

// Ledger reads and writes the ledger table.
type Ledger struct {
	conn  database.Conn
	table string
	name  string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTable overrides the ledger table name. The name may be schema-qualified.
func WithTable(name string) Option {
	return func(l *Ledger) { l.name = name }
}

// New creates a Ledger that reads through conn.
func New(conn database.Conn, opts ...Option) (*Ledger, error) {
	l := &Ledger{conn: conn, name: DefaultTable}

	for _, opt := range opts {
		opt(l)
	}

	if l.name == "" {
		return nil, ErrInvalidTableName
	}

	l.table = database.QuoteIdent(l.name)

	return l, nil
}

// Table returns the unquoted ledger table name.
func (l *Ledger) Table() string {
	return l.name
}

// EnsureTable creates the ledger table if it does not exist.
func (l *Ledger) EnsureTable(ctx context.Context) error {
	if _, err := l.conn.Exec(ctx, createTableSQL(l.table)); err != nil {
		return fmt.Errorf("%w %s: %w", ErrTableCreation, l.name, err)
	}

	return nil
}

// Applied returns every ledger row ordered by version text. A database
// that has never been migrated has no ledger table and yields no rows.
func (l *Ledger) Applied(ctx context.Context) ([]Entry, error) {
	var exists bool

	if err := l.conn.QueryRow(ctx, `SELECT to_regclass($1::text) IS NOT NULL`, l.table).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking ledger table %s: %w", l.name, err)
	}

	if !exists {
		return nil, nil
	}

	rows, err := l.conn.Query(ctx, fmt.Sprintf(
		`SELECT version, name, checksum, applied_at, duration_ms FROM %s ORDER BY version`, l.table,
	))
	if err != nil {
		return nil, fmt.Errorf("querying applied versions: %w", err)
	}
	defer rows.Close()

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		if scanErr := row.Scan(&e.Version, &e.Name, &e.Checksum, &e.AppliedAt, &e.DurationMs); scanErr != nil {
			return Entry{}, fmt.Errorf("scanning ledger row: %w", scanErr)
		}

		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning applied versions: %w", err)
	}

	return entries, nil
}

// IsApplied reports whether version has a ledger row.
func (l *Ledger) IsApplied(ctx context.Context, version string) (bool, error) {
	var exists bool

	err := l.conn.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE version = $1)`, l.table),
		version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking if version %s is applied: %w", version, err)
	}

	return exists, nil
}

// RecordApplied inserts the ledger row for r.Version through conn, which is
// the unit's own transaction for transactional units. Recording an
// already-recorded version is a no-op and keeps the original applied_at.
func (l *Ledger) RecordApplied(ctx context.Context, conn database.Execer, r Record) error {
	_, err := conn.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (version, name, checksum, duration_ms)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (version) DO NOTHING`, l.table),
		r.Version, r.Name, r.Checksum, r.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("recording version %s as applied: %w", r.Version, err)
	}

	return nil
}

// RecordReverted deletes the ledger row for version. Deleting a version
// that is not recorded is a no-op.
func (l *Ledger) RecordReverted(ctx context.Context, conn database.Execer, version string) error {
	_, err := conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, l.table), version)
	if err != nil {
		return fmt.Errorf("recording version %s as reverted: %w", version, err)
	}

	return nil
}
