package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/schema"
)

const maxIdentifierLen = 63

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`) //nolint:gochecknoglobals // compiled once

// columnExpr quotes plain column names and passes expressions such as
// "lower(email)" through unchanged.
func columnExpr(c string) string {
	if plainIdent.MatchString(c) {
		return database.QuoteIdent(c)
	}

	return c
}

// tableSchema splits "ci.builds" into "ci" and "builds".
func tableSchema(table string) (string, string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}

	return "", table
}

// shortHash is the first ten hex digits of the SHA-256 of s.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))

	return hex.EncodeToString(h[:])[:10]
}

// CreateIndex builds an index, concurrently when requested.
type CreateIndex struct {
	Name    string   `yaml:"name"`
	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique"`
	Using   string   `yaml:"using"`
	Where   string   `yaml:"where"`
	// Concurrently builds without blocking writes. The unit must be
	// non-transactional.
	Concurrently bool `yaml:"concurrently"`
	IfNotExists  bool `yaml:"if_not_exists"`
}

func (o *CreateIndex) Kind() string { return "create_index" }

func (o *CreateIndex) Validate() error {
	if err := requireFields("table", o.Table); err != nil {
		return err
	}

	if len(o.Columns) == 0 {
		return fmt.Errorf("%w: index on %s has no columns", ErrInvalidOperation, o.Table)
	}

	return nil
}

// IndexName returns the explicit name or the conventional
// index_<table>_on_<columns> name, truncated to PostgreSQL's identifier limit.
func (o *CreateIndex) IndexName() string {
	if o.Name != "" {
		return o.Name
	}

	_, table := tableSchema(o.Table)
	cols := make([]string, len(o.Columns))

	for i, c := range o.Columns {
		cols[i] = strings.Trim(plainIdent.FindString(c), "_")
		if cols[i] == "" {
			cols[i] = shortHash(c)
		}
	}

	name := "index_" + table + "_on_" + strings.Join(cols, "_and_")
	if len(name) > maxIdentifierLen {
		name = name[:maxIdentifierLen-11] + "_" + shortHash(name)
	}

	return name
}

// qualifiedName places the index in its table's schema.
func (o *CreateIndex) qualifiedName() string {
	if s, _ := tableSchema(o.Table); s != "" {
		return s + "." + o.IndexName()
	}

	return o.IndexName()
}

func (o *CreateIndex) requiresNoTransaction() bool { return o.Concurrently }

func (o *CreateIndex) Statements() []string {
	var b strings.Builder

	b.WriteString("CREATE ")

	if o.Unique {
		b.WriteString("UNIQUE ")
	}

	b.WriteString("INDEX ")

	if o.Concurrently {
		b.WriteString("CONCURRENTLY ")
	}

	b.WriteString(database.QuoteIdent(o.IndexName()))
	b.WriteString(" ON ")
	b.WriteString(database.QuoteIdent(o.Table))

	if o.Using != "" {
		b.WriteString(" USING ")
		b.WriteString(o.Using)
	}

	cols := make([]string, len(o.Columns))
	for i, c := range o.Columns {
		cols[i] = columnExpr(c)
	}

	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(")")

	if o.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(o.Where)
	}

	return []string{b.String()}
}

func (o *CreateIndex) apply(ctx context.Context, env *Env) (Outcome, error) {
	if o.Concurrently {
		built, err := env.Coordinator.BuildIndexConcurrently(ctx, env.Conn, env.Inspector, o.qualifiedName(), o.Statements()[0])
		if err != nil {
			return Applied, err
		}

		if !built {
			return Satisfied, nil
		}

		return Applied, nil
	}

	if o.IfNotExists {
		state, err := env.Inspector.IndexState(ctx, o.qualifiedName())
		if err != nil {
			return Applied, err
		}

		if state == schema.IndexValid {
			return Satisfied, nil
		}
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}

// DropIndex drops an index, concurrently when requested.
type DropIndex struct {
	// Name may be schema-qualified.
	Name         string `yaml:"name"`
	Concurrently bool   `yaml:"concurrently"`
	IfExists     bool   `yaml:"if_exists"`
}

func (o *DropIndex) Kind() string    { return "drop_index" }
func (o *DropIndex) Validate() error { return requireFields("name", o.Name) }

func (o *DropIndex) requiresNoTransaction() bool { return o.Concurrently }

func (o *DropIndex) Statements() []string {
	if o.Concurrently {
		return []string{"DROP INDEX CONCURRENTLY " + database.QuoteIdent(o.Name)}
	}

	return []string{"DROP INDEX " + database.QuoteIdent(o.Name)}
}

func (o *DropIndex) apply(ctx context.Context, env *Env) (Outcome, error) {
	if o.Concurrently {
		dropped, err := env.Coordinator.DropIndexConcurrently(ctx, env.Conn, env.Inspector, o.Name)
		if err != nil {
			return Applied, err
		}

		if !dropped {
			if !o.IfExists {
				return Applied, fmt.Errorf("index %s does not exist", o.Name)
			}

			return Satisfied, nil
		}

		return Applied, nil
	}

	if o.IfExists {
		state, err := env.Inspector.IndexState(ctx, o.Name)
		if err != nil {
			return Applied, err
		}

		if state == schema.IndexMissing {
			return Satisfied, nil
		}
	}

	return Applied, env.exec(ctx, o.Statements()[0])
}
