// Package schema inspects the live database catalog. The executor and the
// coordinator use it to evaluate idempotency guards and to confirm whether a
// non-transactional operation left a half-built object behind.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/aqasim81/schema-migration-runner/internal/database"
)

// IndexState is the catalog state of an index.
type IndexState int

const (
	// IndexMissing means no index with the name exists.
	IndexMissing IndexState = iota
	// IndexValid means the index exists and is usable by the planner.
	IndexValid
	// IndexInvalid means the index exists but a concurrent build or
	// reindex did not finish (pg_index.indisvalid = false).
	IndexInvalid
)

// String returns the lowercase name of the state.
func (s IndexState) String() string {
	switch s {
	case IndexMissing:
		return "missing"
	case IndexValid:
		return "valid"
	case IndexInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("IndexState(%d)", int(s))
	}
}

// ConstraintState is the catalog state of a table constraint.
type ConstraintState int

const (
	// ConstraintMissing means the table has no constraint with the name.
	ConstraintMissing ConstraintState = iota
	// ConstraintValid means the constraint exists and has been validated.
	ConstraintValid
	// ConstraintNotValid means the constraint exists but was added NOT VALID
	// and has not been validated yet.
	ConstraintNotValid
)

// String returns the lowercase name of the state.
func (s ConstraintState) String() string {
	switch s {
	case ConstraintMissing:
		return "missing"
	case ConstraintValid:
		return "valid"
	case ConstraintNotValid:
		return "not_valid"
	default:
		return fmt.Sprintf("ConstraintState(%d)", int(s))
	}
}

// Inspector answers questions about the current schema. Table and index
// names may be schema-qualified ("ci.builds"); unqualified names resolve
// through the session search_path.
type Inspector interface {
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnExists(ctx context.Context, table, column string) (bool, error)
	ColumnNullable(ctx context.Context, table, column string) (bool, error)
	IndexState(ctx context.Context, index string) (IndexState, error)
	ConstraintState(ctx context.Context, table, constraint string) (ConstraintState, error)
}

// ErrColumnNotFound is returned by ColumnNullable for an unknown column.
var ErrColumnNotFound = errors.New("column not found")

// PG is an Inspector backed by the PostgreSQL system catalogs.
type PG struct {
	conn database.RowQuerier
}

// NewPG returns an Inspector that queries through conn. Passing the
// transaction a unit runs in makes the inspector see its uncommitted DDL.
func NewPG(conn database.RowQuerier) *PG {
	return &PG{conn: conn}
}

const tableExistsSQL = `SELECT to_regclass($1::text) IS NOT NULL`

// TableExists reports whether a relation with the name exists.
func (p *PG) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool

	if err := p.conn.QueryRow(ctx, tableExistsSQL, qualified(table)).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}

	return exists, nil
}

const columnSQL = `
SELECT NOT a.attnotnull
FROM pg_attribute a
WHERE a.attrelid = to_regclass($1::text)
  AND a.attname = $2
  AND a.attnum > 0
  AND NOT a.attisdropped`

// ColumnExists reports whether table has a live column named column.
func (p *PG) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	_, err := p.ColumnNullable(ctx, table, column)
	if errors.Is(err, ErrColumnNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// ColumnNullable reports whether the column accepts NULL.
func (p *PG) ColumnNullable(ctx context.Context, table, column string) (bool, error) {
	var nullable bool

	err := p.conn.QueryRow(ctx, columnSQL, qualified(table), column).Scan(&nullable)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%s.%s: %w", table, column, ErrColumnNotFound)
	}

	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}

	return nullable, nil
}

const indexSQL = `
SELECT i.indisvalid
FROM pg_index i
WHERE i.indexrelid = to_regclass($1::text)`

// IndexState reports whether the index is missing, valid or invalid.
func (p *PG) IndexState(ctx context.Context, index string) (IndexState, error) {
	var valid bool

	err := p.conn.QueryRow(ctx, indexSQL, qualified(index)).Scan(&valid)
	if errors.Is(err, pgx.ErrNoRows) {
		return IndexMissing, nil
	}

	if err != nil {
		return IndexMissing, fmt.Errorf("checking index %s: %w", index, err)
	}

	if valid {
		return IndexValid, nil
	}

	return IndexInvalid, nil
}

const constraintSQL = `
SELECT c.convalidated
FROM pg_constraint c
WHERE c.conrelid = to_regclass($1::text)
  AND c.conname = $2`

// ConstraintState reports whether the constraint is missing, validated or NOT VALID.
func (p *PG) ConstraintState(ctx context.Context, table, constraint string) (ConstraintState, error) {
	var validated bool

	err := p.conn.QueryRow(ctx, constraintSQL, qualified(table), constraint).Scan(&validated)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConstraintMissing, nil
	}

	if err != nil {
		return ConstraintMissing, fmt.Errorf("checking constraint %s on %s: %w", constraint, table, err)
	}

	if validated {
		return ConstraintValid, nil
	}

	return ConstraintNotValid, nil
}

// qualified renders a possibly schema-qualified name in the quoted form
// to_regclass expects, so mixed-case names are not folded.
func qualified(name string) string {
	if strings.HasPrefix(name, `"`) {
		return name
	}

	return database.QuoteIdent(name)
}
