// Package schematest provides an in-memory schema.Inspector.
package schematest

import (
	"context"
	"fmt"
	"sync"

	"github.com/aqasim81/schema-migration-runner/internal/schema"
)

// Inspector is a mutable fake catalog. The zero value is empty and ready to use.
type Inspector struct {
	mu          sync.Mutex
	tables      map[string]bool
	columns     map[string]bool // "table.column" -> nullable
	indexes     map[string]schema.IndexState
	constraints map[string]schema.ConstraintState // "table.constraint"

	// Err, when set, is returned by every lookup.
	Err error
}

// New returns an empty fake catalog.
func New() *Inspector {
	return &Inspector{}
}

func (f *Inspector) init() {
	if f.tables == nil {
		f.tables = map[string]bool{}
		f.columns = map[string]bool{}
		f.indexes = map[string]schema.IndexState{}
		f.constraints = map[string]schema.ConstraintState{}
	}
}

// AddTable registers a table.
func (f *Inspector) AddTable(table string) *Inspector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.tables[table] = true

	return f
}

// AddColumn registers a column and its table.
func (f *Inspector) AddColumn(table, column string, nullable bool) *Inspector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.tables[table] = true
	f.columns[table+"."+column] = nullable

	return f
}

// SetIndex sets the state of an index. IndexMissing removes it.
func (f *Inspector) SetIndex(index string, state schema.IndexState) *Inspector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	if state == schema.IndexMissing {
		delete(f.indexes, index)
	} else {
		f.indexes[index] = state
	}

	return f
}

// SetConstraint sets the state of a constraint. ConstraintMissing removes it.
func (f *Inspector) SetConstraint(table, constraint string, state schema.ConstraintState) *Inspector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()

	key := table + "." + constraint
	if state == schema.ConstraintMissing {
		delete(f.constraints, key)
	} else {
		f.constraints[key] = state
	}

	return f
}

// TableExists implements schema.Inspector.
func (f *Inspector) TableExists(_ context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return false, f.Err
	}

	return f.tables[table], nil
}

// ColumnExists implements schema.Inspector.
func (f *Inspector) ColumnExists(_ context.Context, table, column string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return false, f.Err
	}

	_, ok := f.columns[table+"."+column]

	return ok, nil
}

// ColumnNullable implements schema.Inspector.
func (f *Inspector) ColumnNullable(_ context.Context, table, column string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return false, f.Err
	}

	nullable, ok := f.columns[table+"."+column]
	if !ok {
		return false, fmt.Errorf("%s.%s: %w", table, column, schema.ErrColumnNotFound)
	}

	return nullable, nil
}

// IndexState implements schema.Inspector.
func (f *Inspector) IndexState(_ context.Context, index string) (schema.IndexState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return schema.IndexMissing, f.Err
	}

	return f.indexes[index], nil
}

// ConstraintState implements schema.Inspector.
func (f *Inspector) ConstraintState(_ context.Context, table, constraint string) (schema.ConstraintState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return schema.ConstraintMissing, f.Err
	}

	return f.constraints[table+"."+constraint], nil
}
