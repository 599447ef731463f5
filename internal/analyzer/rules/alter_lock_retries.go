package rules

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// LockRetriesRule detects ALTER TABLE on an existing table in a
// transactional unit outside a lock_retries block. Such a statement waits
// for its ACCESS EXCLUSIVE lock with no bound, and every query on the table
// queues behind it.
type LockRetriesRule struct{}

// NewLockRetriesRule creates a new LockRetriesRule.
func NewLockRetriesRule() *LockRetriesRule { return &LockRetriesRule{} }

// ID returns the rule identifier.
func (r *LockRetriesRule) ID() string { return "alter-without-lock-retries" }

// Check examines a statement for an unguarded ALTER TABLE.
func (r *LockRetriesRule) Check(stmt *pg_query.RawStmt, ctx *analyzer.RuleContext) []analyzer.Finding {
	node, ok := stmt.Stmt.Node.(*pg_query.Node_AlterTableStmt)
	if !ok || !ctx.Transactional || ctx.InLockRetries {
		return nil
	}

	alt := node.AlterTableStmt
	if alt.Objtype != pg_query.ObjectType_OBJECT_TABLE {
		return nil
	}

	table := analyzer.TableName(alt.Relation)
	if ctx.CreatedInUnit(table) {
		return nil
	}

	return []analyzer.Finding{{
		Rule:       r.ID(),
		Severity:   analyzer.Medium,
		Table:      table,
		Message:    "ALTER TABLE waits for an ACCESS EXCLUSIVE lock without a timeout and blocks every query queued behind it",
		Suggestion: "Wrap the change in a lock_retries block so each attempt is bounded by lock_timeout and retried",
		LockType:   "ACCESS EXCLUSIVE",
		StmtIndex:  ctx.StmtIndex,
	}}
}
