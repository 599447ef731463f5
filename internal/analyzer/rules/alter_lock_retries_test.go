package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
	"github.com/aqasim81/schema-migration-runner/internal/analyzer/rules"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
	"github.com/aqasim81/schema-migration-runner/internal/parser"
)

func TestLockRetriesRule_ID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "alter-without-lock-retries", rules.NewLockRetriesRule().ID())
}

func TestLockRetriesRule_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		sql           string
		nonTx         bool
		inLockRetries bool
		created       []string
		wantCount     int
	}{
		{
			name:      "bare alter in transactional unit",
			sql:       "ALTER TABLE users ADD COLUMN nickname TEXT;",
			wantCount: 1,
		},
		{
			name:          "inside lock_retries",
			sql:           "ALTER TABLE users ADD COLUMN nickname TEXT;",
			inLockRetries: true,
			wantCount:     0,
		},
		{
			name:      "non-transactional unit",
			sql:       "ALTER TABLE users ADD COLUMN nickname TEXT;",
			nonTx:     true,
			wantCount: 0,
		},
		{
			name:      "table created in the same unit",
			sql:       "ALTER TABLE users ADD COLUMN nickname TEXT;",
			created:   []string{"users"},
			wantCount: 0,
		},
		{
			name:      "alter index is not a table change",
			sql:       "ALTER INDEX idx_users_email SET (fillfactor = 70);",
			wantCount: 0,
		},
		{
			name:      "non-alter statement ignored",
			sql:       "UPDATE users SET nickname = name;",
			wantCount: 0,
		},
	}

	rule := rules.NewLockRetriesRule()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := parser.Parse(tt.sql)
			require.NoError(t, err)
			require.Len(t, result.Stmts, 1)

			ctx := analyzer.NewRuleContext(&migration.Unit{DisableTransaction: tt.nonTx}, tt.created...)
			ctx.InLockRetries = tt.inLockRetries

			findings := rule.Check(result.Stmts[0], ctx)
			assert.Len(t, findings, tt.wantCount)

			if tt.wantCount > 0 {
				assert.Equal(t, analyzer.Medium, findings[0].Severity)
				assert.Equal(t, "users", findings[0].Table)
				assert.Equal(t, "ACCESS EXCLUSIVE", findings[0].LockType)
			}
		})
	}
}
