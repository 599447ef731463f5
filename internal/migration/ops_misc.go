package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/aqasim81/schema-migration-runner/internal/backfill"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/parser"
)

// ExecuteRaw runs SQL verbatim. In a non-transactional unit each statement
// runs on its own, and named CREATE INDEX CONCURRENTLY statements go
// through the coordinator so a half-built index is detected.
type ExecuteRaw struct {
	SQL string
}

func (o *ExecuteRaw) Kind() string { return "execute" }

func (o *ExecuteRaw) Validate() error {
	if err := requireFields("sql", o.SQL); err != nil {
		return err
	}

	if _, err := parser.Parse(o.SQL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	return nil
}

func (o *ExecuteRaw) Statements() []string { return []string{o.SQL} }

func (o *ExecuteRaw) requiresNoTransaction() bool {
	noTx, _, err := o.analyze()

	return err == nil && noTx
}

func (o *ExecuteRaw) analyze() (bool, []string, error) {
	noTx, indexes, err := parser.AnalyzeTransactionNeeds(o.SQL)
	if err != nil {
		return false, nil, fmt.Errorf("analyzing SQL: %w", err)
	}

	return noTx, indexes, nil
}

func (o *ExecuteRaw) apply(ctx context.Context, env *Env) (Outcome, error) {
	if env.InTransaction {
		return Applied, env.exec(ctx, o.SQL)
	}

	result, err := parser.Parse(o.SQL)
	if err != nil {
		return Applied, err
	}

	skipped := 0

	for i, stmt := range result.Stmts {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return Applied, fmt.Errorf("cancelled before statement %d: %w", i+1, err)
			}
		}

		sql := result.StmtSQL(i)

		if name, ok := parser.ConcurrentIndex(stmt); ok {
			built, err := env.Coordinator.BuildIndexConcurrently(ctx, env.Conn, env.Inspector, name, sql)
			if err != nil {
				return Applied, err
			}

			if !built {
				skipped++
			}

			continue
		}

		if err := env.exec(ctx, sql); err != nil {
			return Applied, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	if skipped > 0 && skipped == len(result.Stmts) {
		return Satisfied, nil
	}

	return Applied, nil
}

// Backfill updates rows in key windows, each window in its own
// transaction. SQL receives the window bounds as $1 and $2 (inclusive);
// Go units may set Func instead. The unit must be non-transactional.
type Backfill struct {
	// Name distinguishes several backfills of one table in a unit.
	Name      string             `yaml:"name"`
	Table     string             `yaml:"table"`
	KeyColumn string             `yaml:"key_column"`
	BatchSize int                `yaml:"batch_size"`
	Pause     time.Duration      `yaml:"pause"`
	SQL       string             `yaml:"sql"`
	Func      backfill.BatchFunc `yaml:"-"`
}

func (o *Backfill) Kind() string { return "backfill" }

func (o *Backfill) Validate() error {
	if err := requireFields("table", o.Table); err != nil {
		return err
	}

	if o.SQL == "" && o.Func == nil {
		return fmt.Errorf("%w: backfill of %s needs sql or a func", ErrInvalidOperation, o.Table)
	}

	if o.BatchSize < 0 || o.Pause < 0 {
		return fmt.Errorf("%w: batch_size and pause must not be negative", ErrInvalidOperation)
	}

	return nil
}

func (o *Backfill) requiresNoTransaction() bool { return true }

func (o *Backfill) Statements() []string {
	if o.SQL == "" {
		return nil
	}

	return []string{o.SQL}
}

func (o *Backfill) keyColumn() string {
	if o.KeyColumn == "" {
		return "id"
	}

	return o.KeyColumn
}

// job names the backfill for its persisted resume cursor.
func (o *Backfill) job(version string) string {
	name := o.Name
	if name == "" {
		name = o.Table + "." + o.keyColumn()
	}

	return version + "/" + name
}

func (o *Backfill) apply(ctx context.Context, env *Env) (Outcome, error) {
	if env.Backfills == nil {
		return Applied, ErrNoBackfillDriver
	}

	fn := o.Func
	if fn == nil {
		fn = func(ctx context.Context, tx pgx.Tx, w backfill.Window) error {
			_, err := tx.Exec(ctx, o.SQL, w.Start, w.End)

			return err
		}
	}

	res, err := env.Backfills.Run(ctx, backfill.Params{
		Job:       o.job(env.Version),
		Table:     o.Table,
		KeyColumn: o.keyColumn(),
		BatchSize: o.BatchSize,
		Pause:     o.Pause,
	}, fn)
	if err != nil {
		return Applied, err
	}

	env.log().WithFields(logrus.Fields{"table": o.Table, "windows": res.Windows}).Info("backfill finished")

	return Applied, nil
}

// LockRetries runs its operations in one transaction under the lock-retry
// loop: each attempt sets lock_timeout and the whole block is retried when
// a lock cannot be acquired in time.
type LockRetries struct {
	Ops []Operation
}

func (o *LockRetries) Kind() string { return "lock_retries" }

func (o *LockRetries) Validate() error {
	if len(o.Ops) == 0 {
		return fmt.Errorf("%w: lock_retries block is empty", ErrInvalidOperation)
	}

	for i, op := range o.Ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("lock_retries[%d] %s: %w", i, op.Kind(), err)
		}

		if requiresNoTransaction(op) {
			return fmt.Errorf("lock_retries[%d] %s: %w", i, op.Kind(), ErrConcurrentInTransaction)
		}
	}

	return nil
}

func (o *LockRetries) Statements() []string { return o.statementsFor(true) }

func (o *LockRetries) statementsFor(bool) []string {
	var out []string
	for _, op := range o.Ops {
		out = append(out, Render(op, true)...)
	}

	return out
}

func (o *LockRetries) apply(ctx context.Context, env *Env) (Outcome, error) {
	if env.Coordinator == nil {
		return Applied, fmt.Errorf("%w: no coordinator configured", ErrInvalidOperation)
	}

	var outcome Outcome

	err := env.Coordinator.WithLockRetries(ctx, env.Conn, func(ctx context.Context, tx pgx.Tx) error {
		inner := *env
		inner.Conn = tx
		inner.InTransaction = true

		var err error

		outcome, err = Run(ctx, &inner, o.Ops)

		return err
	})

	return outcome, err
}

// FinalizeBackgroundMigration hands a background batch job to the
// BackgroundMigrations collaborator and waits for it to finish.
type FinalizeBackgroundMigration struct {
	Job       string   `yaml:"job"`
	Arguments []string `yaml:"arguments"`
}

func (o *FinalizeBackgroundMigration) Kind() string    { return "finalize_background_migration" }
func (o *FinalizeBackgroundMigration) Validate() error { return requireFields("job", o.Job) }
func (o *FinalizeBackgroundMigration) Statements() []string {
	return nil
}

func (o *FinalizeBackgroundMigration) apply(ctx context.Context, env *Env) (Outcome, error) {
	if env.Background == nil {
		return Applied, fmt.Errorf("finalizing %s: %w", o.Job, ErrNoBackgroundMigrations)
	}

	if err := env.Background.Finalize(ctx, env.Conn, o.Job, o.Arguments); err != nil {
		return Applied, fmt.Errorf("finalizing background migration %s: %w", o.Job, err)
	}

	return Applied, nil
}

// Func runs Go code. Returning ErrAlreadySatisfied reports the target state
// already held.
type Func struct {
	Name string
	Fn   func(ctx context.Context, conn database.Conn) error
	// NoTransaction marks code that manages its own transactions.
	NoTransaction bool
}

func (o *Func) Kind() string { return "func" }

func (o *Func) Validate() error {
	if o.Fn == nil {
		return fmt.Errorf("%w: func %q has no body", ErrInvalidOperation, o.Name)
	}

	return nil
}

func (o *Func) Statements() []string { return nil }

func (o *Func) requiresNoTransaction() bool { return o.NoTransaction }

func (o *Func) apply(ctx context.Context, env *Env) (Outcome, error) {
	err := o.Fn(ctx, env.Conn)
	if errors.Is(err, ErrAlreadySatisfied) {
		return Satisfied, nil
	}

	return Applied, err
}
