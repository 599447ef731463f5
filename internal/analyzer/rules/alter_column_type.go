package rules

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// AlterColumnTypeRule flags ALTER COLUMN TYPE on an existing table. The
// change rewrites every row under ACCESS EXCLUSIVE, and lock_retries only
// bounds the wait for the lock, not the rewrite itself.
type AlterColumnTypeRule struct{}

// NewAlterColumnTypeRule creates a new AlterColumnTypeRule.
func NewAlterColumnTypeRule() *AlterColumnTypeRule { return &AlterColumnTypeRule{} }

// ID returns the rule identifier.
func (r *AlterColumnTypeRule) ID() string { return "alter-column-type" }

// Check examines a statement for ALTER COLUMN TYPE.
func (r *AlterColumnTypeRule) Check(stmt *pg_query.RawStmt, ctx *analyzer.RuleContext) []analyzer.Finding {
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
		if cmd.GetSubtype() != pg_query.AlterTableType_AT_AlterColumnType {
			continue
		}

		findings = append(findings, analyzer.Finding{
			Rule:       r.ID(),
			Severity:   analyzer.High,
			Table:      table,
			Message:    "changing the type of " + cmd.GetName() + " rewrites " + table + " under an ACCESS EXCLUSIVE lock",
			Suggestion: "Add a column of the new type, fill it with a backfill operation, and swap the columns in a later unit",
			LockType:   "ACCESS EXCLUSIVE",
			StmtIndex:  ctx.StmtIndex,
		})
	}

	return findings
}
