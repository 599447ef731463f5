package rules

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// pgVersionCheckProvesNotNull is the first release that skips the SET NOT
// NULL scan when a valid CHECK (col IS NOT NULL) constraint exists.
const pgVersionCheckProvesNotNull = 12

// SetNotNullRule flags SET NOT NULL on an existing table, which scans the
// whole table under ACCESS EXCLUSIVE unless a validated CHECK constraint
// already proves the column has no NULLs.
type SetNotNullRule struct{}

// NewSetNotNullRule creates a new SetNotNullRule.
func NewSetNotNullRule() *SetNotNullRule { return &SetNotNullRule{} }

// ID returns the rule identifier.
func (r *SetNotNullRule) ID() string { return "set-not-null" }

// Check examines a statement for SET NOT NULL, including the one a
// change_column_null operation renders.
func (r *SetNotNullRule) Check(stmt *pg_query.RawStmt, ctx *analyzer.RuleContext) []analyzer.Finding {
	node, ok := stmt.GetStmt().GetNode().(*pg_query.Node_AlterTableStmt)
	if !ok {
		return nil
	}

	table := analyzer.TableName(node.AlterTableStmt.GetRelation())
	if ctx.CreatedInUnit(table) {
		return nil
	}

	var findings []analyzer.Finding

	for _, c := range node.AlterTableStmt.GetCmds() {
		cmd := c.GetAlterTableCmd()
		if cmd.GetSubtype() != pg_query.AlterTableType_AT_SetNotNull {
			continue
		}

		findings = append(findings, r.finding(ctx, table, cmd.GetName()))
	}

	return findings
}

func (r *SetNotNullRule) finding(ctx *analyzer.RuleContext, table, column string) analyzer.Finding {
	f := analyzer.Finding{
		Rule:      r.ID(),
		Table:     table,
		LockType:  "ACCESS EXCLUSIVE",
		StmtIndex: ctx.StmtIndex,
	}

	switch {
	case ctx.TargetPGVersion < pgVersionCheckProvesNotNull:
		f.Severity = analyzer.High
		f.Message = "SET NOT NULL on " + column + " scans " + table + " while holding an ACCESS EXCLUSIVE lock"
		f.Suggestion = "Enforce the constraint with a validated CHECK (" + column + " IS NOT NULL) instead"
	case ctx.NotNullProven(table, column):
		f.Severity = analyzer.Low
		f.Message = "SET NOT NULL on " + column + " is proven by a validated CHECK constraint in this unit and skips the scan"
		f.Suggestion = "Drop the CHECK constraint once the column is NOT NULL"
	default:
		f.Severity = analyzer.Medium
		f.Message = "SET NOT NULL on " + column + " scans " + table + " while holding an ACCESS EXCLUSIVE lock"
		f.Suggestion = "Add CHECK (" + column + " IS NOT NULL) NOT VALID, validate it, then SET NOT NULL in the same unit"
	}

	return f
}
