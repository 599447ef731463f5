package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/schema"
)

// ConstraintSpec describes a table constraint added in two phases.
type ConstraintSpec struct {
	Table string
	Name  string
	// Definition is the constraint body, e.g. "CHECK (amount > 0)" or
	// "FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE".
	Definition string
}

// AddSQL renders the ALTER TABLE ... ADD CONSTRAINT statement.
func (s ConstraintSpec) AddSQL(notValid bool) string {
	sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
		database.QuoteIdent(s.Table), database.QuoteIdent(s.Name), s.Definition)
	if notValid {
		sql += " NOT VALID"
	}

	return sql
}

// ValidateSQL renders the VALIDATE CONSTRAINT statement.
func (s ConstraintSpec) ValidateSQL() string {
	return fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s",
		database.QuoteIdent(s.Table), database.QuoteIdent(s.Name))
}

// BuildIndexConcurrently runs createSQL, a CREATE INDEX CONCURRENTLY
// statement producing index, on conn. conn must be a dedicated session
// outside any transaction. The build is skipped when a valid index with the
// name already exists and refused when an invalid one does, since building
// on top of a half-built index is unsafe. A failed build is followed by a
// catalog check so that a leftover invalid index is reported as
// InvalidIndexError. Reports whether the index was built.
func (c *Coordinator) BuildIndexConcurrently(
	ctx context.Context, conn database.Execer, insp schema.Inspector, index, createSQL string,
) (bool, error) {
	state, err := insp.IndexState(ctx, index)
	if err != nil {
		return false, fmt.Errorf("inspecting index %s: %w", index, err)
	}

	switch state {
	case schema.IndexValid:
		c.logger.WithField("index", index).Warn("index already exists, skipping concurrent build")

		return false, nil
	case schema.IndexInvalid:
		return false, &InvalidIndexError{Index: index}
	case schema.IndexMissing:
	}

	buildErr := c.withoutStatementTimeout(ctx, conn, createSQL)
	after, inspErr := insp.IndexState(context.WithoutCancel(ctx), index)

	if buildErr != nil {
		if inspErr != nil {
			return false, fmt.Errorf("building index %s concurrently: %w",
				index, errors.Join(buildErr, fmt.Errorf("inspecting leftover: %w", inspErr)))
		}

		if after == schema.IndexInvalid {
			return false, &InvalidIndexError{Index: index, Cause: buildErr}
		}

		return false, fmt.Errorf("building index %s concurrently: %w", index, buildErr)
	}

	if inspErr != nil {
		return false, fmt.Errorf("verifying index %s: %w", index, inspErr)
	}

	if after != schema.IndexValid {
		return false, &InvalidIndexError{Index: index, Cause: fmt.Errorf("index is %s after build", after)}
	}

	return true, nil
}

// DropIndexConcurrently drops index with DROP INDEX CONCURRENTLY on conn, a
// dedicated session outside any transaction. A missing index is not an
// error. Reports whether an index was dropped.
func (c *Coordinator) DropIndexConcurrently(
	ctx context.Context, conn database.Execer, insp schema.Inspector, index string,
) (bool, error) {
	state, err := insp.IndexState(ctx, index)
	if err != nil {
		return false, fmt.Errorf("inspecting index %s: %w", index, err)
	}

	if state == schema.IndexMissing {
		return false, nil
	}

	sql := "DROP INDEX CONCURRENTLY IF EXISTS " + database.QuoteIdent(index)

	dropErr := c.withoutStatementTimeout(ctx, conn, sql)
	if dropErr == nil {
		return true, nil
	}

	after, inspErr := insp.IndexState(context.WithoutCancel(ctx), index)
	if inspErr == nil && after == schema.IndexInvalid {
		return false, &InvalidIndexError{Index: index, Cause: dropErr}
	}

	return false, fmt.Errorf("dropping index %s concurrently: %w", index, dropErr)
}

// AddConstraintConcurrently adds spec without blocking writes for the scan:
// the constraint is added NOT VALID under the lock-retry loop, then
// validated with statement_timeout disabled. conn must be a dedicated
// session outside any transaction. An existing NOT VALID constraint with
// the name is validated in place; a valid one is left alone. Reports
// whether anything was done.
func (c *Coordinator) AddConstraintConcurrently(
	ctx context.Context, conn database.Conn, insp schema.Inspector, spec ConstraintSpec,
) (bool, error) {
	state, err := insp.ConstraintState(ctx, spec.Table, spec.Name)
	if err != nil {
		return false, fmt.Errorf("inspecting constraint %s: %w", spec.Name, err)
	}

	switch state {
	case schema.ConstraintValid:
		c.logger.WithField("constraint", spec.Name).Warn("constraint already exists, skipping")

		return false, nil
	case schema.ConstraintMissing:
		err := c.WithLockRetries(ctx, conn, func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, spec.AddSQL(true))

			return err
		})
		if err != nil {
			return false, fmt.Errorf("adding constraint %s NOT VALID: %w", spec.Name, err)
		}
	case schema.ConstraintNotValid:
	}

	if err := c.withoutStatementTimeout(ctx, conn, spec.ValidateSQL()); err != nil {
		return false, &NotValidConstraintError{Table: spec.Table, Constraint: spec.Name, Cause: err}
	}

	return true, nil
}

// withoutStatementTimeout runs sql with statement_timeout disabled for the
// session. Long builds are never interrupted by cancellation of ctx.
func (c *Coordinator) withoutStatementTimeout(ctx context.Context, conn database.Execer, sql string) error {
	ctx = context.WithoutCancel(ctx)

	reset, err := database.DisableStatementTimeout(ctx, conn)
	if err != nil {
		return err
	}

	defer func() {
		if err := reset(ctx); err != nil {
			c.logger.WithError(err).Warn("could not reset statement_timeout")
		}
	}()

	_, err = conn.Exec(ctx, sql)

	return err
}
