package rules

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// LockTableRule flags explicit LOCK TABLE on existing tables. Inside a
// lock_retries block the wait for the lock is bounded, so the finding is
// downgraded. In a unit without a transaction the statement cannot work.
type LockTableRule struct{}

// NewLockTableRule creates a new LockTableRule.
func NewLockTableRule() *LockTableRule { return &LockTableRule{} }

// ID returns the rule identifier.
func (r *LockTableRule) ID() string { return "lock-table" }

// Check examines a statement for explicit LOCK TABLE.
func (r *LockTableRule) Check(stmt *pg_query.RawStmt, ctx *analyzer.RuleContext) []analyzer.Finding {
	node, ok := stmt.GetStmt().GetNode().(*pg_query.Node_LockStmt)
	if !ok {
		return nil
	}

	var findings []analyzer.Finding

	for _, rel := range node.LockStmt.GetRelations() {
		rv := rel.GetRangeVar()
		if rv == nil {
			continue
		}

		table := analyzer.TableName(rv)
		if ctx.CreatedInUnit(table) {
			continue
		}

		f := analyzer.Finding{
			Rule:       r.ID(),
			Severity:   analyzer.High,
			Table:      table,
			Message:    "LOCK TABLE " + table + " waits without a bound and blocks every query queued behind it",
			Suggestion: "Move the statement into a lock_retries block so the wait is bounded by lock_timeout",
			LockType:   "EXPLICIT",
			StmtIndex:  ctx.StmtIndex,
		}

		switch {
		case !ctx.Transactional:
			f.Message = "LOCK TABLE " + table + " fails outside a transaction block and this unit runs without one"
			f.Suggestion = "Run the unit in a transaction or drop the explicit lock"
		case ctx.InLockRetries:
			f.Severity = analyzer.Medium
			f.Message = "LOCK TABLE " + table + " is bounded by lock_retries but still blocks the table until the unit commits"
			f.Suggestion = "Keep the rest of the unit short so the lock is released quickly"
		}

		findings = append(findings, f)
	}

	return findings
}
