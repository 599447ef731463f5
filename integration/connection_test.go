//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/database"
)

func sessionApplicationName(t *testing.T, dsn string) string {
	t.Helper()

	ctx := context.Background()

	pool, err := database.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var name string
	require.NoError(t, pool.QueryRow(ctx, "SELECT current_setting('application_name')").Scan(&name))

	return name
}

func TestNewPool_sessionsCarryRunnerName(t *testing.T) {
	t.Parallel()

	dsn := SetupPostgresDSN(t)

	assert.Equal(t, database.ApplicationName, sessionApplicationName(t, dsn))
}

func TestNewPool_urlApplicationNameIsKept(t *testing.T) {
	t.Parallel()

	dsn := SetupPostgresDSN(t)
	sep := "?"

	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	assert.Equal(t, "deploy-42", sessionApplicationName(t, dsn+sep+"application_name=deploy-42"))
}

func TestNewPool_unreachableServer_returnsConnectionError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := database.NewPool(ctx, "postgres://migrator@127.0.0.1:1/app?connect_timeout=1")

	require.ErrorIs(t, err, database.ErrConnectionFailed)
}
