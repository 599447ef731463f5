package rules

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// DropTableRule flags DROP TABLE and TRUNCATE of tables that existed before
// the unit. A down migration can recreate the table but never its rows.
type DropTableRule struct{}

// NewDropTableRule creates a new DropTableRule.
func NewDropTableRule() *DropTableRule { return &DropTableRule{} }

// ID returns the rule identifier.
func (r *DropTableRule) ID() string { return "drop-table" }

// Check examines a statement for DROP TABLE or TRUNCATE.
func (r *DropTableRule) Check(stmt *pg_query.RawStmt, ctx *analyzer.RuleContext) []analyzer.Finding {
	var (
		verb   string
		tables []string
	)

	switch node := stmt.GetStmt().GetNode().(type) {
	case *pg_query.Node_DropStmt:
		if node.DropStmt.GetRemoveType() != pg_query.ObjectType_OBJECT_TABLE {
			return nil
		}

		verb = "DROP TABLE"
		tables = dropTargets(node.DropStmt)
	case *pg_query.Node_TruncateStmt:
		verb = "TRUNCATE"

		for _, rel := range node.TruncateStmt.GetRelations() {
			if rv := rel.GetRangeVar(); rv != nil {
				tables = append(tables, analyzer.TableName(rv))
			}
		}
	default:
		return nil
	}

	var existing []string

	for _, t := range tables {
		if !ctx.CreatedInUnit(t) {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		return nil
	}

	suggestion := "Stop using the table in one release and remove it in a later unit after a backup"
	if ctx.Unit != nil && ctx.Unit.Reversible() && !ctx.Unit.DestructiveDown {
		suggestion += "; the down migration cannot restore the rows"
	}

	return []analyzer.Finding{{
		Rule:       r.ID(),
		Severity:   analyzer.Critical,
		Table:      strings.Join(existing, ", "),
		Message:    verb + " permanently deletes the rows of " + strings.Join(existing, ", "),
		Suggestion: suggestion,
		LockType:   "ACCESS EXCLUSIVE",
		StmtIndex:  ctx.StmtIndex,
	}}
}

// dropTargets returns the dotted names a DROP statement lists.
func dropTargets(drop *pg_query.DropStmt) []string {
	var tables []string

	for _, obj := range drop.GetObjects() {
		var parts []string

		for _, item := range obj.GetList().GetItems() {
			if s := item.GetString_(); s != nil {
				parts = append(parts, s.GetSval())
			}
		}

		if len(parts) > 0 {
			tables = append(tables, strings.Join(parts, "."))
		}
	}

	return tables
}
