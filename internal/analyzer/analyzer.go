package analyzer

import (
	"fmt"

	"github.com/aqasim81/schema-migration-runner/internal/migration"
	"github.com/aqasim81/schema-migration-runner/internal/parser"
)

const statementDisplayLen = 120

// Option configures the Analyzer.
type Option func(*Analyzer)

// Analyzer runs registered rules against the SQL a unit renders.
type Analyzer struct {
	registry  *Registry
	parseFn   func(string) (*parser.ParseResult, error)
	pgVersion int
}

// New creates a new Analyzer with the given options.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		registry:  NewRegistry(),
		parseFn:   parser.Parse,
		pgVersion: 14, //nolint:mnd // default PostgreSQL version
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// WithRegistry sets a custom rule registry.
func WithRegistry(r *Registry) Option {
	return func(a *Analyzer) { a.registry = r }
}

// WithPGVersion sets the target PostgreSQL version. Zero keeps the default.
func WithPGVersion(v int) Option {
	return func(a *Analyzer) {
		if v > 0 {
			a.pgVersion = v
		}
	}
}

// WithParser overrides the SQL parser function (useful for testing).
func WithParser(fn func(string) (*parser.ParseResult, error)) Option {
	return func(a *Analyzer) { a.parseFn = fn }
}

// Analyze renders the up operations of u in the unit's transaction mode
// and runs every rule against each resulting statement.
func (a *Analyzer) Analyze(u *migration.Unit) (*AnalysisResult, error) {
	var findings []Finding

	maxSeverity := Safe
	created := make(map[string]bool)
	checks := newNotNullChecks()
	stmtIndex := 0

	for _, op := range u.Up {
		_, inLockRetries := op.(*migration.LockRetries)

		for _, sql := range migration.Render(op, u.Transactional()) {
			result, err := a.parseFn(sql)
			if err != nil {
				return nil, fmt.Errorf("parsing unit %s: %w", u.ID(), err)
			}

			for i, stmt := range result.Stmts {
				text := result.StmtSQL(i)
				ctx := &RuleContext{
					Unit:            u,
					Operation:       op.Kind(),
					TargetPGVersion: a.pgVersion,
					StmtIndex:       stmtIndex,
					SQL:             text,
					Transactional:   u.Transactional(),
					InLockRetries:   inLockRetries,
					createdTables:   created,
					checks:          checks,
				}

				for _, rule := range a.registry.Rules() {
					fs := rule.Check(stmt, ctx)
					for j := range fs {
						if fs[j].Statement == "" {
							fs[j].Statement = TruncateSQL(text, statementDisplayLen)
						}

						if fs[j].Operation == "" {
							fs[j].Operation = ctx.Operation
						}

						if fs[j].Severity > maxSeverity {
							maxSeverity = fs[j].Severity
						}
					}

					findings = append(findings, fs...)
				}

				if table := CreatedTable(stmt); table != "" {
					created[table] = true
				}

				checks.observe(stmt)

				stmtIndex++
			}
		}
	}

	return &AnalysisResult{
		Unit:        u,
		Findings:    findings,
		MaxSeverity: maxSeverity,
	}, nil
}

// AnalyzeAll analyzes multiple units and returns results for each.
func (a *Analyzer) AnalyzeAll(units []*migration.Unit) ([]AnalysisResult, error) {
	results := make([]AnalysisResult, 0, len(units))

	for _, u := range units {
		r, err := a.Analyze(u)
		if err != nil {
			return nil, err
		}

		results = append(results, *r)
	}

	return results, nil
}

// Blocking returns the results that carry a High or Critical finding.
func Blocking(results []AnalysisResult) []AnalysisResult {
	var out []AnalysisResult

	for i := range results {
		if results[i].HasHighOrCritical() {
			out = append(out, results[i])
		}
	}

	return out
}
