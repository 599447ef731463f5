package database_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/aqasim81/schema-migration-runner/internal/database"
)

func TestIsLockNotAvailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: true},
		{name: "deadlock victim", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "wrapped lock_timeout", err: fmt.Errorf("adding column: %w", &pgconn.PgError{Code: "55P03"}), want: true},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, database.IsLockNotAvailable(tt.err))
		})
	}
}

func TestIsStatementTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, database.IsStatementTimeout(&pgconn.PgError{Code: "57014"}))
	assert.False(t, database.IsStatementTimeout(&pgconn.PgError{Code: "55P03"}))
}

func TestQuoteIdent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"users"`, database.QuoteIdent("users"))
	assert.Equal(t, `"ci"."builds"`, database.QuoteIdent("ci.builds"))
	assert.Equal(t, `"we""ird"`, database.QuoteIdent(`we"ird`))
	assert.Equal(t, `"a", "b"`, database.QuoteIdents([]string{"a", "b"}))
}

func TestLockID_stablePerLedgerTable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, database.LockID("schema_migrations"), database.LockID("schema_migrations"))
	assert.NotEqual(t, database.LockID("schema_migrations"), database.LockID("ci_schema_migrations"))
	assert.GreaterOrEqual(t, database.LockID("schema_migrations"), int64(0))
}
