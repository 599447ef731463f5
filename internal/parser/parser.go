package parser //nolint:revive // intentional: does not conflict with go/parser in internal package

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ParseResult holds the parsed AST and the SQL the statement locations
// refer to.
type ParseResult struct {
	Stmts []*pg_query.RawStmt
	SQL   string
}

// Parse parses a PostgreSQL SQL string and returns the AST.
// Returns an empty result (zero statements) for empty or whitespace-only input.
func Parse(sql string) (*ParseResult, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &ParseResult{SQL: trimmed}, nil
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parsing SQL: %w", err)
	}

	return &ParseResult{
		Stmts: tree.Stmts,
		SQL:   trimmed,
	}, nil
}

// StmtSQL returns the text of statement i without its trailing semicolon.
func (r *ParseResult) StmtSQL(i int) string {
	if i < 0 || i >= len(r.Stmts) {
		return ""
	}

	start := int(r.Stmts[i].StmtLocation)
	end := len(r.SQL)

	if l := int(r.Stmts[i].StmtLen); l > 0 {
		end = start + l
	}

	if start > len(r.SQL) || end > len(r.SQL) || start >= end {
		return ""
	}

	return strings.TrimSuffix(strings.TrimSpace(r.SQL[start:end]), ";")
}

// Split parses sql and returns its statements as separate strings.
func Split(sql string) ([]string, error) {
	result, err := Parse(sql)
	if err != nil {
		return nil, err
	}

	stmts := make([]string, 0, len(result.Stmts))
	for i := range result.Stmts {
		stmts = append(stmts, result.StmtSQL(i))
	}

	return stmts, nil
}

// QualifiedName renders a RangeVar as "schema.name" or "name".
func QualifiedName(rv *pg_query.RangeVar) string {
	if rv == nil {
		return ""
	}

	if rv.Schemaname != "" {
		return rv.Schemaname + "." + rv.Relname
	}

	return rv.Relname
}

// ConcurrentIndex returns the qualified name of the index a CREATE INDEX
// CONCURRENTLY statement builds. ok is false for any other statement and
// for unnamed indexes, whose name PostgreSQL chooses.
func ConcurrentIndex(stmt *pg_query.RawStmt) (name string, ok bool) {
	node, isIndex := stmt.GetStmt().GetNode().(*pg_query.Node_IndexStmt)
	if !isIndex || !node.IndexStmt.GetConcurrent() || node.IndexStmt.GetIdxname() == "" {
		return "", false
	}

	name = node.IndexStmt.GetIdxname()
	if schema := node.IndexStmt.GetRelation().GetSchemaname(); schema != "" {
		name = schema + "." + name
	}

	return name, true
}

// RequiresNoTransaction reports whether PostgreSQL refuses to run stmt
// inside a transaction block.
func RequiresNoTransaction(stmt *pg_query.RawStmt) bool {
	switch n := stmt.GetStmt().GetNode().(type) {
	case *pg_query.Node_IndexStmt:
		return n.IndexStmt.GetConcurrent()
	case *pg_query.Node_DropStmt:
		return n.DropStmt.GetConcurrent()
	case *pg_query.Node_ReindexStmt:
		for _, p := range n.ReindexStmt.GetParams() {
			if p.GetDefElem().GetDefname() == "concurrently" {
				return true
			}
		}
	case *pg_query.Node_VacuumStmt:
		return true
	}

	return false
}

// AnalyzeTransactionNeeds parses sql and reports whether any statement
// must run outside a transaction, plus the named indexes built concurrently.
func AnalyzeTransactionNeeds(sql string) (noTransaction bool, concurrentIndexes []string, err error) {
	result, err := Parse(sql)
	if err != nil {
		return false, nil, err
	}

	for _, stmt := range result.Stmts {
		if RequiresNoTransaction(stmt) {
			noTransaction = true
		}

		if name, ok := ConcurrentIndex(stmt); ok {
			concurrentIndexes = append(concurrentIndexes, name)
		}
	}

	return noTransaction, concurrentIndexes, nil
}
