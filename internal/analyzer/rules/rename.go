package rules

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// RenameRule flags renaming an existing table or column. The rename itself
// is quick, but application code still using the old name breaks the
// moment the unit commits.
type RenameRule struct{}

// NewRenameRule creates a new RenameRule.
func NewRenameRule() *RenameRule { return &RenameRule{} }

// ID returns the rule identifier.
func (r *RenameRule) ID() string { return "rename" }

// Check examines a statement for RENAME TABLE or RENAME COLUMN, including
// the statement a rename_column operation renders.
func (r *RenameRule) Check(stmt *pg_query.RawStmt, ctx *analyzer.RuleContext) []analyzer.Finding {
	node, ok := stmt.GetStmt().GetNode().(*pg_query.Node_RenameStmt)
	if !ok {
		return nil
	}

	rename := node.RenameStmt
	table := analyzer.TableName(rename.GetRelation())

	if ctx.CreatedInUnit(table) {
		return nil
	}

	f := analyzer.Finding{
		Rule:      r.ID(),
		Severity:  analyzer.Medium,
		Table:     table,
		LockType:  "ACCESS EXCLUSIVE",
		StmtIndex: ctx.StmtIndex,
	}

	switch rename.GetRenameType() { //nolint:exhaustive // only tables and columns are renamed by units
	case pg_query.ObjectType_OBJECT_TABLE:
		f.Message = "renaming " + table + " to " + rename.GetNewname() + " breaks code that still uses the old name"
		f.Suggestion = "Create a view under the new name first, switch the application, then rename in a later unit"
	case pg_query.ObjectType_OBJECT_COLUMN:
		f.Message = "renaming " + table + "." + rename.GetSubname() + " to " + rename.GetNewname() +
			" breaks code that still uses the old name"
		f.Suggestion = "Add the new column, backfill it, switch the application, and drop the old column in a later unit"
	default:
		return nil
	}

	if !ctx.InLockRetries && ctx.Transactional {
		f.Suggestion += "; run the rename inside lock_retries"
	}

	return []analyzer.Finding{f}
}
