package analyzer

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/aqasim81/schema-migration-runner/internal/migration"
	"github.com/aqasim81/schema-migration-runner/internal/parser"
)

// Rule is the interface that all danger detection rules must implement.
type Rule interface {
	// ID returns a unique kebab-case identifier for this rule.
	ID() string
	// Check examines a single parsed statement and returns any findings.
	Check(stmt *pg_query.RawStmt, ctx *RuleContext) []Finding
}

// RuleContext provides contextual information to rules during analysis.
type RuleContext struct {
	Unit            *migration.Unit
	Operation       string // kind of the operation being analyzed
	TargetPGVersion int
	StmtIndex       int
	SQL             string // text of the statement being checked
	// Transactional is true when the unit runs inside one transaction.
	Transactional bool
	// InLockRetries is true for statements inside a lock_retries block.
	InLockRetries bool

	createdTables map[string]bool
	checks        *notNullChecks
}

// CreatedInUnit reports whether an earlier statement of the same unit
// created table. Such a table is empty and invisible to other sessions.
func (c *RuleContext) CreatedInUnit(table string) bool {
	return c.createdTables[table]
}

// NotNullProven reports whether an earlier statement of the same unit
// added and validated CHECK (column IS NOT NULL) on table.
func (c *RuleContext) NotNullProven(table, column string) bool {
	return c.checks != nil && c.checks.proven[table+"."+column]
}

// notNullChecks follows the CHECK (col IS NOT NULL) constraints a unit adds
// and validates. PostgreSQL 12+ skips the SET NOT NULL scan when one is valid.
type notNullChecks struct {
	pending map[string]string // constraint name -> table.column, added NOT VALID
	proven  map[string]bool   // table.column
}

func newNotNullChecks() *notNullChecks {
	return &notNullChecks{pending: make(map[string]string), proven: make(map[string]bool)}
}

func (n *notNullChecks) observe(stmt *pg_query.RawStmt) {
	node, ok := stmt.GetStmt().GetNode().(*pg_query.Node_AlterTableStmt)
	if !ok {
		return
	}

	table := TableName(node.AlterTableStmt.GetRelation())

	for _, c := range node.AlterTableStmt.GetCmds() {
		cmd := c.GetAlterTableCmd()
		if cmd == nil {
			continue
		}

		switch cmd.GetSubtype() { //nolint:exhaustive // only constraint commands matter
		case pg_query.AlterTableType_AT_AddConstraint:
			con := cmd.GetDef().GetConstraint()

			column := notNullColumn(con)
			if column == "" {
				continue
			}

			if con.GetSkipValidation() {
				n.pending[con.GetConname()] = table + "." + column
			} else {
				n.proven[table+"."+column] = true
			}
		case pg_query.AlterTableType_AT_ValidateConstraint:
			if key, ok := n.pending[cmd.GetName()]; ok {
				n.proven[key] = true
			}
		}
	}
}

// notNullColumn returns col for a CHECK (col IS NOT NULL) constraint, or "".
func notNullColumn(con *pg_query.Constraint) string {
	if con.GetContype() != pg_query.ConstrType_CONSTR_CHECK {
		return ""
	}

	test := con.GetRawExpr().GetNullTest()
	if test.GetNulltesttype() != pg_query.NullTestType_IS_NOT_NULL {
		return ""
	}

	fields := test.GetArg().GetColumnRef().GetFields()
	if len(fields) != 1 {
		return ""
	}

	return fields[0].GetString_().GetSval()
}

// NewRuleContext builds a context for checking a statement outside an
// analyzer run, with the given tables marked as created in the unit.
func NewRuleContext(u *migration.Unit, created ...string) *RuleContext {
	ctx := &RuleContext{
		Unit:            u,
		TargetPGVersion: 14, //nolint:mnd // default PostgreSQL version
		Transactional:   u == nil || u.Transactional(),
		createdTables:   make(map[string]bool, len(created)),
		checks:          newNotNullChecks(),
	}

	for _, t := range created {
		ctx.createdTables[t] = true
	}

	return ctx
}

// Registry holds a collection of rules.
type Registry struct {
	rules []Rule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a rule to the registry.
func (r *Registry) Register(rule Rule) {
	r.rules = append(r.rules, rule)
}

// Rules returns all registered rules.
func (r *Registry) Rules() []Rule {
	return r.rules
}

// TableName extracts a qualified table name from a RangeVar.
func TableName(rv *pg_query.RangeVar) string {
	if rv == nil {
		return "<unknown>"
	}

	return parser.QualifiedName(rv)
}

// CreatedTable returns the table a CREATE TABLE statement creates, or "".
func CreatedTable(stmt *pg_query.RawStmt) string {
	node, ok := stmt.GetStmt().GetNode().(*pg_query.Node_CreateStmt)
	if !ok {
		return ""
	}

	return TableName(node.CreateStmt.GetRelation())
}
