package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aqasim81/schema-migration-runner/internal/database"
)

// KeySource locates window boundaries from the data itself, so windows stay
// correct under concurrent inserts and deletes and a resumed run computes
// the same remaining windows.
type KeySource interface {
	// Start returns the smallest key greater than after, or the smallest
	// key overall when after is nil. ok is false when no such key exists.
	Start(ctx context.Context, p Params, after *int64) (key int64, ok bool, err error)
	// Stop returns the key p.BatchSize rows past start. ok is false when
	// fewer rows remain.
	Stop(ctx context.Context, p Params, start int64) (key int64, ok bool, err error)
	// Max returns the largest key. ok is false when the table is empty.
	Max(ctx context.Context, p Params) (key int64, ok bool, err error)
}

// PGKeys reads window boundaries from a PostgreSQL table.
type PGKeys struct {
	conn database.RowQuerier
}

// NewPGKeys returns a KeySource that queries through conn.
func NewPGKeys(conn database.RowQuerier) *PGKeys {
	return &PGKeys{conn: conn}
}

// Start implements KeySource.
func (k *PGKeys) Start(ctx context.Context, p Params, after *int64) (int64, bool, error) {
	col, table := database.QuoteIdent(p.KeyColumn), database.QuoteIdent(p.Table)

	var row pgx.Row
	if after == nil {
		row = k.conn.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s LIMIT 1`, col, table, col))
	} else {
		row = k.conn.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT 1`, col, table, col, col), *after)
	}

	return scanKey(row, "start", p)
}

// Stop implements KeySource.
func (k *PGKeys) Stop(ctx context.Context, p Params, start int64) (int64, bool, error) {
	col, table := database.QuoteIdent(p.KeyColumn), database.QuoteIdent(p.Table)
	row := k.conn.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s >= $1 ORDER BY %s OFFSET $2 LIMIT 1`, col, table, col, col),
		start, p.BatchSize)

	return scanKey(row, "stop", p)
}

// Max implements KeySource.
func (k *PGKeys) Max(ctx context.Context, p Params) (int64, bool, error) {
	var maxKey *int64

	err := k.conn.QueryRow(ctx, fmt.Sprintf(`SELECT MAX(%s) FROM %s`,
		database.QuoteIdent(p.KeyColumn), database.QuoteIdent(p.Table))).Scan(&maxKey)
	if err != nil {
		return 0, false, fmt.Errorf("reading max %s of %s: %w", p.KeyColumn, p.Table, err)
	}

	if maxKey == nil {
		return 0, false, nil
	}

	return *maxKey, true, nil
}

func scanKey(row pgx.Row, which string, p Params) (int64, bool, error) {
	var key int64

	err := row.Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("reading %s key of %s.%s: %w", which, p.Table, p.KeyColumn, err)
	}

	return key, true, nil
}
