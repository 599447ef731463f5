package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
	"github.com/aqasim81/schema-migration-runner/internal/analyzer/rules"
)

func ruleIDs(rs []analyzer.Rule) []string {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID())
	}

	return ids
}

func TestNewDefaultRegistry_registersAllRules(t *testing.T) {
	t.Parallel()

	r, err := rules.NewDefaultRegistry()
	require.NoError(t, err)
	assert.Len(t, r.Rules(), len(rules.All()))
	assert.Len(t, rules.All(), 10)
}

func TestNewDefaultRegistry_uniqueIDs(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)

	for _, id := range ruleIDs(rules.All()) {
		assert.False(t, seen[id], "duplicate rule ID: %s", id)
		seen[id] = true
	}
}

func TestNewDefaultRegistry_disabledRules(t *testing.T) {
	t.Parallel()

	r, err := rules.NewDefaultRegistry("rename", "lock-table")
	require.NoError(t, err)

	ids := ruleIDs(r.Rules())
	assert.Len(t, ids, len(rules.All())-2)
	assert.NotContains(t, ids, "rename")
	assert.NotContains(t, ids, "lock-table")
	assert.Contains(t, ids, "drop-table")
}

func TestNewDefaultRegistry_unknownRule(t *testing.T) {
	t.Parallel()

	_, err := rules.NewDefaultRegistry("rename", "drop-tabel")
	require.ErrorIs(t, err, rules.ErrUnknownRule)
	assert.Contains(t, err.Error(), `"drop-tabel"`)
}

// Disabling a rule removes its findings and nothing else.
func TestNewDefaultRegistry_disabledRuleIsNotReported(t *testing.T) {
	t.Parallel()

	r, err := rules.NewDefaultRegistry("drop-table")
	require.NoError(t, err)

	res, err := analyzer.New(analyzer.WithRegistry(r)).Analyze(sqlUnit("DROP TABLE legacy;"))
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}
