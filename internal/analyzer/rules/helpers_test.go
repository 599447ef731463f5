package rules_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

// sqlUnit returns a transactional unit running sql verbatim.
func sqlUnit(sql string) *migration.Unit {
	return opsUnit(&migration.ExecuteRaw{SQL: sql})
}

// opsUnit returns a transactional unit running ops.
func opsUnit(ops ...migration.Operation) *migration.Unit {
	return &migration.Unit{Version: "001", Name: "change", Up: ops}
}

// unitFindings runs rule alone over u the way apply does and returns its
// findings. opts are applied after the single-rule registry.
func unitFindings(t *testing.T, rule analyzer.Rule, u *migration.Unit, opts ...analyzer.Option) []analyzer.Finding {
	t.Helper()

	registry := analyzer.NewRegistry()
	registry.Register(rule)

	a := analyzer.New(append([]analyzer.Option{analyzer.WithRegistry(registry)}, opts...)...)

	res, err := a.Analyze(u)
	require.NoError(t, err)

	return res.Findings
}
