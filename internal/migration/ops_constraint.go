package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/aqasim81/schema-migration-runner/internal/coordinator"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/schema"
)

var onDeleteActions = map[string]string{ //nolint:gochecknoglobals // lookup table
	"":            "",
	"cascade":     "CASCADE",
	"set null":    "SET NULL",
	"set_null":    "SET NULL",
	"restrict":    "RESTRICT",
	"no action":   "NO ACTION",
	"set default": "SET DEFAULT",
}

// addConstraint adds spec. Inside a transaction it is a single statement.
// Outside one the constraint is added NOT VALID under lock retries and then
// validated, unless notValid asks to leave it unvalidated.
func addConstraint(ctx context.Context, env *Env, spec coordinator.ConstraintSpec, notValid, ifNotExists bool) (Outcome, error) {
	if !env.InTransaction && !notValid {
		done, err := env.Coordinator.AddConstraintConcurrently(ctx, env.Conn, env.Inspector, spec)
		if err != nil {
			return Applied, err
		}

		if !done {
			return Satisfied, nil
		}

		return Applied, nil
	}

	if ifNotExists {
		state, err := env.Inspector.ConstraintState(ctx, spec.Table, spec.Name)
		if err != nil {
			return Applied, err
		}

		if state != schema.ConstraintMissing {
			return Satisfied, nil
		}
	}

	if env.InTransaction {
		return Applied, env.exec(ctx, spec.AddSQL(notValid))
	}

	return Applied, env.Coordinator.WithLockRetries(ctx, env.Conn, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, spec.AddSQL(notValid))

		return err
	})
}

// constraintStatements mirrors addConstraint: one statement inside a
// transaction, the NOT VALID and VALIDATE pair outside one.
func constraintStatements(spec coordinator.ConstraintSpec, notValid, inTransaction bool) []string {
	if inTransaction || notValid {
		return []string{spec.AddSQL(notValid)}
	}

	return []string{spec.AddSQL(true), spec.ValidateSQL()}
}

// AddForeignKey adds a foreign key. In a non-transactional unit it is added
// NOT VALID and validated separately so the scan does not block writes.
type AddForeignKey struct {
	Table     string `yaml:"table"`
	Column    string `yaml:"column"`
	RefTable  string `yaml:"references"`
	RefColumn string `yaml:"ref_column"`
	Name      string `yaml:"name"`
	OnDelete  string `yaml:"on_delete"`
	// NotValid leaves the constraint unvalidated for a later unit.
	NotValid    bool `yaml:"not_valid"`
	IfNotExists bool `yaml:"if_not_exists"`
}

func (o *AddForeignKey) Kind() string { return "add_foreign_key" }

func (o *AddForeignKey) Validate() error {
	if err := requireFields("table", o.Table, "column", o.Column, "references", o.RefTable); err != nil {
		return err
	}

	if _, ok := onDeleteActions[strings.ToLower(o.OnDelete)]; !ok {
		return fmt.Errorf("%w: unknown on_delete action %q", ErrInvalidOperation, o.OnDelete)
	}

	return nil
}

// constraintName returns the explicit name or fk_ followed by a hash of
// the table and column.
func (o *AddForeignKey) constraintName() string {
	if o.Name != "" {
		return o.Name
	}

	return "fk_" + shortHash(o.Table+"_"+o.Column+"_fk")
}

func (o *AddForeignKey) spec() coordinator.ConstraintSpec {
	refCol := o.RefColumn
	if refCol == "" {
		refCol = "id"
	}

	def := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
		database.QuoteIdent(o.Column), database.QuoteIdent(o.RefTable), database.QuoteIdent(refCol))

	if action := onDeleteActions[strings.ToLower(o.OnDelete)]; action != "" {
		def += " ON DELETE " + action
	}

	return coordinator.ConstraintSpec{Table: o.Table, Name: o.constraintName(), Definition: def}
}

func (o *AddForeignKey) Statements() []string { return o.statementsFor(true) }

func (o *AddForeignKey) statementsFor(inTransaction bool) []string {
	return constraintStatements(o.spec(), o.NotValid, inTransaction)
}

func (o *AddForeignKey) apply(ctx context.Context, env *Env) (Outcome, error) {
	return addConstraint(ctx, env, o.spec(), o.NotValid, o.IfNotExists)
}

// RemoveForeignKey drops a foreign key by name.
type RemoveForeignKey struct {
	Table    string `yaml:"table"`
	Name     string `yaml:"name"`
	IfExists bool   `yaml:"if_exists"`
}

func (o *RemoveForeignKey) Kind() string { return "remove_foreign_key" }

func (o *RemoveForeignKey) Validate() error {
	return requireFields("table", o.Table, "name", o.Name)
}

func (o *RemoveForeignKey) Statements() []string {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", database.QuoteIdent(o.Table), database.QuoteIdent(o.Name))}
}

func (o *RemoveForeignKey) apply(ctx context.Context, env *Env) (Outcome, error) {
	if o.IfExists {
		state, err := env.Inspector.ConstraintState(ctx, o.Table, o.Name)
		if err != nil {
			return Applied, err
		}

		if state == schema.ConstraintMissing {
			return Satisfied, nil
		}
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}

// AddCheckConstraint adds a CHECK constraint, validated separately in
// non-transactional units.
type AddCheckConstraint struct {
	Table       string `yaml:"table"`
	Name        string `yaml:"name"`
	Expression  string `yaml:"check"`
	NotValid    bool   `yaml:"not_valid"`
	IfNotExists bool   `yaml:"if_not_exists"`
}

func (o *AddCheckConstraint) Kind() string { return "add_check_constraint" }

func (o *AddCheckConstraint) Validate() error {
	return requireFields("table", o.Table, "check", o.Expression)
}

func (o *AddCheckConstraint) constraintName() string {
	if o.Name != "" {
		return o.Name
	}

	return "check_" + shortHash(o.Table+"_"+o.Expression)
}

func (o *AddCheckConstraint) spec() coordinator.ConstraintSpec {
	return coordinator.ConstraintSpec{
		Table:      o.Table,
		Name:       o.constraintName(),
		Definition: "CHECK (" + o.Expression + ")",
	}
}

func (o *AddCheckConstraint) Statements() []string { return o.statementsFor(true) }

func (o *AddCheckConstraint) statementsFor(inTransaction bool) []string {
	return constraintStatements(o.spec(), o.NotValid, inTransaction)
}

func (o *AddCheckConstraint) apply(ctx context.Context, env *Env) (Outcome, error) {
	return addConstraint(ctx, env, o.spec(), o.NotValid, o.IfNotExists)
}

// ValidateConstraint validates a constraint added NOT VALID.
type ValidateConstraint struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (o *ValidateConstraint) Kind() string { return "validate_constraint" }

func (o *ValidateConstraint) Validate() error {
	return requireFields("table", o.Table, "name", o.Name)
}

func (o *ValidateConstraint) Statements() []string {
	return []string{coordinator.ConstraintSpec{Table: o.Table, Name: o.Name}.ValidateSQL()}
}

func (o *ValidateConstraint) apply(ctx context.Context, env *Env) (Outcome, error) {
	state, err := env.Inspector.ConstraintState(ctx, o.Table, o.Name)
	if err != nil {
		return Applied, err
	}

	switch state {
	case schema.ConstraintValid:
		return Satisfied, nil
	case schema.ConstraintMissing:
		return Applied, fmt.Errorf("constraint %s on %s does not exist", o.Name, o.Table)
	case schema.ConstraintNotValid:
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}
