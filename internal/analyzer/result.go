package analyzer

import "github.com/aqasim81/schema-migration-runner/internal/migration"

// Finding represents a single dangerous pattern detected in a unit.
type Finding struct {
	Rule       string   // Rule ID (e.g., "create-index-not-concurrent")
	Severity   Severity // Danger level
	Table      string   // Affected table name
	Statement  string   // The SQL statement text (truncated for display)
	Operation  string   // Kind of the operation that rendered the statement
	Message    string   // Human-readable description of the danger
	Suggestion string   // Safe alternative approach
	LockType   string   // PostgreSQL lock type acquired (e.g., "ACCESS EXCLUSIVE")
	StmtIndex  int      // Index in the unit's rendered statement list (0-based)
}

// AnalysisResult holds all findings for a single unit.
type AnalysisResult struct {
	Unit        *migration.Unit
	Findings    []Finding
	MaxSeverity Severity // Highest severity across all findings
}

// HasHighOrCritical returns true if any finding is High or Critical severity.
func (r *AnalysisResult) HasHighOrCritical() bool {
	return r.MaxSeverity >= High
}

// TruncateSQL truncates a SQL string to maxLen characters for display.
func TruncateSQL(sql string, maxLen int) string {
	if len(sql) <= maxLen || maxLen < 4 { //nolint:mnd // room for "..."
		return sql
	}

	return sql[:maxLen-3] + "..."
}
