package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/aqasim81/schema-migration-runner/internal/backfill"
	"github.com/aqasim81/schema-migration-runner/internal/coordinator"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/logging"
	"github.com/aqasim81/schema-migration-runner/internal/schema"
)

// Outcome is the terminal state of a successful operation or unit.
type Outcome int

const (
	// Applied means the operation changed the database.
	Applied Outcome = iota
	// Satisfied means the target state already held and nothing ran.
	Satisfied
)

func (o Outcome) String() string {
	if o == Satisfied {
		return "satisfied"
	}

	return "applied"
}

// Operation is one step of a unit. The set is closed: every operation is
// one of the types in this package, each validating its own parameters.
// Func is the escape hatch for Go-defined logic.
type Operation interface {
	// Kind is the operation's name, as used in YAML units.
	Kind() string
	// Validate checks that required parameters are present.
	Validate() error
	// Statements renders the SQL the operation would run, for plans and
	// analysis. Operations without fixed SQL return nil.
	Statements() []string

	apply(ctx context.Context, env *Env) (Outcome, error)
}

// Coordinator runs lock-sensitive DDL. *coordinator.Coordinator implements it.
type Coordinator interface {
	WithLockRetries(ctx context.Context, conn database.Conn, fn func(ctx context.Context, tx pgx.Tx) error) error
	BuildIndexConcurrently(ctx context.Context, conn database.Execer, insp schema.Inspector, index, createSQL string) (bool, error)
	DropIndexConcurrently(ctx context.Context, conn database.Execer, insp schema.Inspector, index string) (bool, error)
	AddConstraintConcurrently(ctx context.Context, conn database.Conn, insp schema.Inspector, spec coordinator.ConstraintSpec) (bool, error)
}

// BackfillRunner drives batched data changes. *backfill.Driver implements it.
type BackfillRunner interface {
	Run(ctx context.Context, p backfill.Params, fn backfill.BatchFunc) (backfill.Result, error)
}

// BackgroundMigrations is the asynchronous batch-job subsystem a unit can
// hand a job over to. The runner only asks it to finish the job.
type BackgroundMigrations interface {
	Finalize(ctx context.Context, conn database.Conn, job string, args []string) error
}

// Env is what operations run against.
type Env struct {
	// Conn is the unit's transaction, or a dedicated session for
	// non-transactional units.
	Conn        database.Conn
	Inspector   schema.Inspector
	Coordinator Coordinator
	Backfills   BackfillRunner
	Background  BackgroundMigrations
	Logger      *logrus.Entry
	// InTransaction is true when Conn is a transaction.
	InTransaction bool
	// Version of the unit being run, used to name backfill jobs.
	Version string
}

func (e *Env) log() *logrus.Entry {
	if e.Logger != nil {
		return e.Logger
	}

	return logging.Discard()
}

// exec runs sql to completion even if ctx is cancelled meanwhile;
// cancellation is only honoured between statements.
func (e *Env) exec(ctx context.Context, sql string, args ...any) error {
	_, err := e.Conn.Exec(context.WithoutCancel(ctx), sql, args...)

	return err
}

// Run applies ops in order and stops at the first failure. The result is
// Satisfied only when every operation was already satisfied.
func Run(ctx context.Context, env *Env, ops []Operation) (Outcome, error) {
	satisfied := 0

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return Applied, fmt.Errorf("cancelled before operation %d (%s): %w", i+1, op.Kind(), err)
		}

		outcome, err := op.apply(ctx, env)
		if err != nil {
			return Applied, fmt.Errorf("operation %d (%s): %w", i+1, op.Kind(), err)
		}

		if outcome == Satisfied {
			satisfied++

			env.log().WithField("op", op.Kind()).Warn("operation skipped, already satisfied")
		}
	}

	if len(ops) > 0 && satisfied == len(ops) {
		return Satisfied, nil
	}

	return Applied, nil
}

// Leftovers inspects the schema for objects the given non-transactional
// operations may have left half-built: invalid indexes from concurrent
// builds or drops, and constraints stuck NOT VALID. It names each one.
func Leftovers(ctx context.Context, insp schema.Inspector, ops []Operation) ([]string, error) {
	var found []string

	checkIndex := func(name string) error {
		state, err := insp.IndexState(ctx, name)
		if err != nil {
			return err
		}

		if state == schema.IndexInvalid {
			found = append(found, "index "+name)
		}

		return nil
	}

	checkConstraint := func(table, name string) error {
		state, err := insp.ConstraintState(ctx, table, name)
		if err != nil {
			return err
		}

		if state == schema.ConstraintNotValid {
			found = append(found, fmt.Sprintf("constraint %s on %s (NOT VALID)", name, table))
		}

		return nil
	}

	var errs []error

	for _, op := range ops {
		switch o := op.(type) {
		case *CreateIndex:
			if o.Concurrently {
				errs = append(errs, checkIndex(o.qualifiedName()))
			}
		case *DropIndex:
			if o.Concurrently {
				errs = append(errs, checkIndex(o.Name))
			}
		case *AddForeignKey:
			if !o.NotValid {
				errs = append(errs, checkConstraint(o.Table, o.constraintName()))
			}
		case *AddCheckConstraint:
			if !o.NotValid {
				errs = append(errs, checkConstraint(o.Table, o.constraintName()))
			}
		case *ExecuteRaw:
			_, indexes, err := o.analyze()
			if err != nil {
				errs = append(errs, err)

				continue
			}

			for _, name := range indexes {
				errs = append(errs, checkIndex(name))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return found, fmt.Errorf("inspecting for leftovers: %w", err)
	}

	return found, nil
}

// nonTransactional is implemented by operations that may need to run
// outside a transaction.
type nonTransactional interface {
	requiresNoTransaction() bool
}

func requiresNoTransaction(op Operation) bool {
	nt, ok := op.(nonTransactional)

	return ok && nt.requiresNoTransaction()
}

// modeDependent is implemented by operations whose SQL differs between
// transactional and non-transactional units.
type modeDependent interface {
	statementsFor(inTransaction bool) []string
}

// Render returns the SQL op runs in a unit of the given mode.
func Render(op Operation, inTransaction bool) []string {
	if md, ok := op.(modeDependent); ok {
		return md.statementsFor(inTransaction)
	}

	return op.Statements()
}

// RenderAll renders every operation of a unit direction.
func RenderAll(u *Unit, d Direction) []string {
	var out []string

	for _, op := range u.Operations(d) {
		out = append(out, Render(op, u.Transactional())...)
	}

	return out
}
