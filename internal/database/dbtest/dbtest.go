// Package dbtest provides an in-memory database.Conn that records the
// statements run through it. Statements executed inside a transaction only
// become visible in Committed once the outermost transaction commits, which
// lets tests assert atomicity without a server.
package dbtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is a fake database.Conn.
type Conn struct {
	mu sync.Mutex

	// ExecHook, when set, is consulted before every Exec. A non-nil error
	// fails the statement and it is not recorded.
	ExecHook func(sql string, args []any) error
	// RowHook answers QueryRow. Returning nil yields pgx.ErrNoRows, except
	// for SHOW, which reports "0" like an unset PostgreSQL timeout.
	RowHook func(sql string, args []any) *Row
	// RowsHook answers Query.
	RowsHook func(sql string, args []any) ([][]any, error)

	executed  []string
	committed []string
	begins    int
	rollbacks int
}

// New returns an empty fake connection.
func New() *Conn {
	return &Conn{}
}

// Executed returns every statement that ran, committed or not.
func (c *Conn) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.executed...)
}

// Committed returns statements that ran outside a transaction or inside one
// that committed.
func (c *Conn) Committed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.committed...)
}

// CommittedContaining returns the committed statements that contain substr.
func (c *Conn) CommittedContaining(substr string) []string {
	var out []string

	for _, s := range c.Committed() {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}

	return out
}

// Begins reports how many transactions or savepoints were opened.
func (c *Conn) Begins() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.begins
}

// Rollbacks reports how many transactions or savepoints were rolled back.
func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rollbacks
}

func (c *Conn) exec(sql string, args []any) error {
	if c.ExecHook != nil {
		if err := c.ExecHook(sql, args); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.executed = append(c.executed, sql)
	c.mu.Unlock()

	return nil
}

func (c *Conn) publish(stmts []string) {
	c.mu.Lock()
	c.committed = append(c.committed, stmts...)
	c.mu.Unlock()
}

// Exec runs sql in autocommit mode.
func (c *Conn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := c.exec(sql, args); err != nil {
		return pgconn.CommandTag{}, err
	}

	c.publish([]string{sql})

	return pgconn.NewCommandTag("OK"), nil
}

// QueryRow answers through RowHook.
func (c *Conn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if c.RowHook != nil {
		if row := c.RowHook(sql, args); row != nil {
			return row
		}
	}

	if strings.HasPrefix(sql, "SHOW ") {
		return &Row{Values: []any{"0"}}
	}

	return &Row{Err: pgx.ErrNoRows}
}

// Query answers through RowsHook.
func (c *Conn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if c.RowsHook == nil {
		return &Rows{}, nil
	}

	data, err := c.RowsHook(sql, args)
	if err != nil {
		return nil, err
	}

	return &Rows{data: data, pos: -1}, nil
}

// Begin opens a transaction.
func (c *Conn) Begin(_ context.Context) (pgx.Tx, error) {
	c.mu.Lock()
	c.begins++
	c.mu.Unlock()

	return &Tx{conn: c}, nil
}

// Tx is a fake pgx.Tx. Methods the runner never calls are left to the
// embedded nil interface and panic if used.
type Tx struct {
	pgx.Tx

	conn    *Conn
	parent  *Tx
	pending []string
	closed  bool
}

// Exec buffers sql until commit.
func (t *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.closed {
		return pgconn.CommandTag{}, pgx.ErrTxClosed
	}

	if err := t.conn.exec(sql, args); err != nil {
		return pgconn.CommandTag{}, err
	}

	t.pending = append(t.pending, sql)

	return pgconn.NewCommandTag("OK"), nil
}

// QueryRow answers through the connection's RowHook.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.conn.QueryRow(ctx, sql, args...)
}

// Query answers through the connection's RowsHook.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.conn.Query(ctx, sql, args...)
}

// Begin opens a savepoint.
func (t *Tx) Begin(_ context.Context) (pgx.Tx, error) {
	if t.closed {
		return nil, pgx.ErrTxClosed
	}

	t.conn.mu.Lock()
	t.conn.begins++
	t.conn.mu.Unlock()

	return &Tx{conn: t.conn, parent: t}, nil
}

// Commit publishes buffered statements to the parent transaction, or to the
// connection when this is the outermost transaction.
func (t *Tx) Commit(_ context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}

	t.closed = true

	if t.parent != nil {
		t.parent.pending = append(t.parent.pending, t.pending...)
	} else {
		t.conn.publish(t.pending)
	}

	t.pending = nil

	return nil
}

// Rollback discards buffered statements.
func (t *Tx) Rollback(_ context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}

	t.closed = true
	t.pending = nil

	t.conn.mu.Lock()
	t.conn.rollbacks++
	t.conn.mu.Unlock()

	return nil
}

// Row is a canned single-row result.
type Row struct {
	Values []any
	Err    error
}

// Scan copies Values into dest.
func (r *Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}

	return scanValues(r.Values, dest)
}

// Rows is a canned multi-row result.
type Rows struct {
	data [][]any
	pos  int
	err  error
}

func (r *Rows) Close()                                       {}
func (r *Rows) Err() error                                   { return r.err }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.pos+1 >= len(r.data) {
		return false
	}

	r.pos++

	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.data) {
		return fmt.Errorf("dbtest: Scan called without a current row")
	}

	return scanValues(r.data[r.pos], dest)
}

func (r *Rows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.data) {
		return nil, fmt.Errorf("dbtest: Values called without a current row")
	}

	return r.data[r.pos], nil
}

func scanValues(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("dbtest: scanning %d values into %d destinations", len(values), len(dest))
	}

	for i, d := range dest {
		if err := assign(values[i], d); err != nil {
			return fmt.Errorf("dbtest: column %d: %w", i, err)
		}
	}

	return nil
}

func assign(value, dest any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a non-nil pointer", dest)
	}

	target := dv.Elem()

	if value == nil {
		target.Set(reflect.Zero(target.Type()))

		return nil
	}

	v := reflect.ValueOf(value)

	if target.Kind() == reflect.Pointer && v.Kind() != reflect.Pointer {
		ptr := reflect.New(target.Type().Elem())
		if err := setConverted(ptr.Elem(), v); err != nil {
			return err
		}

		target.Set(ptr)

		return nil
	}

	return setConverted(target, v)
}

func setConverted(target, v reflect.Value) error {
	if v.Type().AssignableTo(target.Type()) {
		target.Set(v)

		return nil
	}

	if v.Type().ConvertibleTo(target.Type()) {
		target.Set(v.Convert(target.Type()))

		return nil
	}

	return fmt.Errorf("cannot assign %s to %s", v.Type(), target.Type())
}
