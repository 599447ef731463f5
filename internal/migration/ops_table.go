package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/aqasim81/schema-migration-runner/internal/database"
)

// Column describes a table column.
type Column struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	NotNull    bool   `yaml:"not_null"`
	Default    string `yaml:"default"` // SQL expression
	PrimaryKey bool   `yaml:"primary_key"`
}

func (c Column) validate() error {
	if c.Name == "" || c.Type == "" {
		return fmt.Errorf("%w: column needs a name and a type", ErrInvalidOperation)
	}

	return nil
}

func (c Column) definition() string {
	var b strings.Builder

	b.WriteString(database.QuoteIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)

	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}

	if c.NotNull {
		b.WriteString(" NOT NULL")
	}

	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}

	return b.String()
}

func requireFields(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidOperation, fields[i])
		}
	}

	return nil
}

// CreateTable creates a table.
type CreateTable struct {
	Table       string   `yaml:"table"`
	Columns     []Column `yaml:"columns"`
	IfNotExists bool     `yaml:"if_not_exists"`
}

func (o *CreateTable) Kind() string { return "create_table" }

func (o *CreateTable) Validate() error {
	if err := requireFields("table", o.Table); err != nil {
		return err
	}

	if len(o.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrInvalidOperation, o.Table)
	}

	for _, c := range o.Columns {
		if err := c.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (o *CreateTable) Statements() []string {
	defs := make([]string, len(o.Columns))
	for i, c := range o.Columns {
		defs[i] = c.definition()
	}

	return []string{fmt.Sprintf("CREATE TABLE %s (%s)", database.QuoteIdent(o.Table), strings.Join(defs, ", "))}
}

func (o *CreateTable) apply(ctx context.Context, env *Env) (Outcome, error) {
	if o.IfNotExists {
		exists, err := env.Inspector.TableExists(ctx, o.Table)
		if err != nil {
			return Applied, err
		}

		if exists {
			return Satisfied, nil
		}
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}

// DropTable drops a table.
type DropTable struct {
	Table    string `yaml:"table"`
	Cascade  bool   `yaml:"cascade"`
	IfExists bool   `yaml:"if_exists"`
}

func (o *DropTable) Kind() string    { return "drop_table" }
func (o *DropTable) Validate() error { return requireFields("table", o.Table) }

func (o *DropTable) Statements() []string {
	sql := "DROP TABLE " + database.QuoteIdent(o.Table)
	if o.Cascade {
		sql += " CASCADE"
	}

	return []string{sql}
}

func (o *DropTable) apply(ctx context.Context, env *Env) (Outcome, error) {
	if o.IfExists {
		exists, err := env.Inspector.TableExists(ctx, o.Table)
		if err != nil {
			return Applied, err
		}

		if !exists {
			return Satisfied, nil
		}
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}

// AddColumn adds a column to an existing table.
type AddColumn struct {
	Table       string `yaml:"table"`
	Column      Column `yaml:"column"`
	IfNotExists bool   `yaml:"if_not_exists"`
}

func (o *AddColumn) Kind() string { return "add_column" }

func (o *AddColumn) Validate() error {
	if err := requireFields("table", o.Table); err != nil {
		return err
	}

	return o.Column.validate()
}

func (o *AddColumn) Statements() []string {
	return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", database.QuoteIdent(o.Table), o.Column.definition())}
}

func (o *AddColumn) apply(ctx context.Context, env *Env) (Outcome, error) {
	if o.IfNotExists {
		exists, err := env.Inspector.ColumnExists(ctx, o.Table, o.Column.Name)
		if err != nil {
			return Applied, err
		}

		if exists {
			return Satisfied, nil
		}
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}

// RemoveColumn drops a column.
type RemoveColumn struct {
	Table    string `yaml:"table"`
	Column   string `yaml:"column"`
	IfExists bool   `yaml:"if_exists"`
}

func (o *RemoveColumn) Kind() string { return "remove_column" }

func (o *RemoveColumn) Validate() error {
	return requireFields("table", o.Table, "column", o.Column)
}

func (o *RemoveColumn) Statements() []string {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", database.QuoteIdent(o.Table), database.QuoteIdent(o.Column))}
}

func (o *RemoveColumn) apply(ctx context.Context, env *Env) (Outcome, error) {
	if o.IfExists {
		exists, err := env.Inspector.ColumnExists(ctx, o.Table, o.Column)
		if err != nil {
			return Applied, err
		}

		if !exists {
			return Satisfied, nil
		}
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}

// RenameColumn renames a column.
type RenameColumn struct {
	Table string `yaml:"table"`
	From  string `yaml:"from"`
	To    string `yaml:"to"`
}

func (o *RenameColumn) Kind() string { return "rename_column" }

func (o *RenameColumn) Validate() error {
	return requireFields("table", o.Table, "from", o.From, "to", o.To)
}

func (o *RenameColumn) Statements() []string {
	return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		database.QuoteIdent(o.Table), database.QuoteIdent(o.From), database.QuoteIdent(o.To))}
}

func (o *RenameColumn) apply(ctx context.Context, env *Env) (Outcome, error) {
	return Applied, env.exec(ctx, o.Statements()[0])
}

// ChangeColumnNull sets or drops a column's NOT NULL constraint.
type ChangeColumnNull struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
	Null   bool   `yaml:"null"`
}

func (o *ChangeColumnNull) Kind() string { return "change_column_null" }

func (o *ChangeColumnNull) Validate() error {
	return requireFields("table", o.Table, "column", o.Column)
}

func (o *ChangeColumnNull) Statements() []string {
	action := "SET NOT NULL"
	if o.Null {
		action = "DROP NOT NULL"
	}

	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s",
		database.QuoteIdent(o.Table), database.QuoteIdent(o.Column), action)}
}

func (o *ChangeColumnNull) apply(ctx context.Context, env *Env) (Outcome, error) {
	return Applied, env.exec(ctx, o.Statements()[0])
}
