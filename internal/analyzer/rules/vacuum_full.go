package rules

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

// VacuumFullRule flags VACUUM FULL of existing tables. It rewrites the
// table under ACCESS EXCLUSIVE, and a unit containing it always runs
// without a transaction, so a failure cannot be rolled back with the rest.
type VacuumFullRule struct{}

// NewVacuumFullRule creates a new VacuumFullRule.
func NewVacuumFullRule() *VacuumFullRule { return &VacuumFullRule{} }

// ID returns the rule identifier.
func (r *VacuumFullRule) ID() string { return "vacuum-full" }

// Check examines a statement for VACUUM FULL.
func (r *VacuumFullRule) Check(stmt *pg_query.RawStmt, ctx *analyzer.RuleContext) []analyzer.Finding {
	node, ok := stmt.GetStmt().GetNode().(*pg_query.Node_VacuumStmt)
	if !ok || !hasOption(node.VacuumStmt, "full") {
		return nil
	}

	targets := vacuumTargets(node.VacuumStmt)

	var findings []analyzer.Finding

	for _, table := range targets {
		if ctx.CreatedInUnit(table) {
			continue
		}

		findings = append(findings, analyzer.Finding{
			Rule:       r.ID(),
			Severity:   analyzer.High,
			Table:      table,
			Message:    "VACUUM FULL rewrites " + table + " while holding an ACCESS EXCLUSIVE lock",
			Suggestion: "Use plain VACUUM, or run VACUUM FULL in a maintenance window outside the migration run",
			LockType:   "ACCESS EXCLUSIVE",
			StmtIndex:  ctx.StmtIndex,
		})
	}

	return findings
}

func hasOption(v *pg_query.VacuumStmt, name string) bool {
	for _, opt := range v.GetOptions() {
		if opt.GetDefElem().GetDefname() == name {
			return true
		}
	}

	return false
}

// vacuumTargets returns the tables a VACUUM names, or "<all tables>" for a
// database-wide run.
func vacuumTargets(v *pg_query.VacuumStmt) []string {
	var tables []string

	for _, rel := range v.GetRels() {
		if rv := rel.GetVacuumRelation().GetRelation(); rv != nil {
			tables = append(tables, analyzer.TableName(rv))
		}
	}

	if len(tables) == 0 {
		return []string{"<all tables>"}
	}

	return tables
}
