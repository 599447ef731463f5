package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer/rules"
	"github.com/aqasim81/schema-migration-runner/internal/config"
	"github.com/aqasim81/schema-migration-runner/internal/executor"
	"github.com/aqasim81/schema-migration-runner/internal/ledger"
)

const exampleMigrations = "../../testdata/migrations"

func safeAndIndexUnits(t *testing.T) string {
	t.Helper()

	return writeUnits(t, map[string]string{
		"V001_create_a.up.sql":   "CREATE TABLE a (id int);",
		"V001_create_a.down.sql": "DROP TABLE a;",
		"V002_index_a.up.sql":    "CREATE INDEX idx_a ON a (id);",
	})
}

func newApplyCmd() (*cobra.Command, *bytes.Buffer) {
	cmd, out, _ := newTestCmd(runApply)
	cmd.Flags().Bool("dry-run", false, "")
	cmd.Flags().Bool("force", false, "")

	return cmd, out
}

func TestLoadUnits_validDir_returnsSorted(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)

	units, err := loadUnits(exampleMigrations, buf)

	require.NoError(t, err)
	require.Len(t, units, 7)
	assert.Equal(t, "001", units[0].Version)
	assert.Equal(t, "007", units[6].Version)
}

func TestLoadUnits_emptyDir_returnsNil(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)

	units, err := loadUnits(t.TempDir(), buf)

	require.NoError(t, err)
	assert.Nil(t, units)
	assert.Contains(t, buf.String(), "No migration files found")
}

func TestLoadUnits_invalidDir_returnsError(t *testing.T) {
	t.Parallel()

	_, err := loadUnits("/nonexistent/path", new(bytes.Buffer))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading migrations")
}

func TestCheckDangerousMigrations_exampleUnits_returnsFalse(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	cmd := &cobra.Command{}
	cmd.SetOut(buf)

	units, err := loadUnits(exampleMigrations, new(bytes.Buffer))
	require.NoError(t, err)

	blocked, err := checkDangerousMigrations(cmd, units, config.New())

	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Empty(t, buf.String())
}

func TestCheckDangerousMigrations_dangerousSQL_returnsTrue(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	cmd := &cobra.Command{}
	cmd.SetOut(buf)

	units, err := loadUnits(safeAndIndexUnits(t), new(bytes.Buffer))
	require.NoError(t, err)

	blocked, err := checkDangerousMigrations(cmd, units, config.New())

	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Contains(t, buf.String(), "create-index-not-concurrent")
}

// Tests below write the global AppConfig and connect, so they are not parallel.

func TestRunApply_noDatabaseURL_returnsError(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	cfg := useConfig(t, t.TempDir())
	cfg.DatabaseURL = ""

	cmd, _ := newApplyCmd()

	require.ErrorIs(t, runApply(cmd, nil), errDatabaseURLRequired)
}

func TestRunApply_noMigrations_printsMessage(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, t.TempDir())

	cmd, buf := newApplyCmd()

	require.NoError(t, runApply(cmd, nil))
	assert.Contains(t, buf.String(), "No migration files found")
}

func TestRunApply_dangerousMigrations_blocked(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, safeAndIndexUnits(t))
	conn := useFakeDB(t)

	cmd, buf := newApplyCmd()

	err := runApply(cmd, nil)

	require.ErrorIs(t, err, errDangerousMigrations)
	assert.Contains(t, buf.String(), "=== 002_index_a ===")
	assert.Empty(t, conn.Committed())
}

func TestRunApply_force_appliesPendingUnits(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, safeAndIndexUnits(t))
	conn := useFakeDB(t)

	cmd, buf := newApplyCmd()
	setFlag(t, cmd, "force", "true")

	require.NoError(t, runApply(cmd, nil))

	output := buf.String()
	assert.Contains(t, output, "Connecting to")
	assert.NotContains(t, output, "secret")
	assert.Contains(t, output, "Applying 001_create_a ... done")
	assert.Contains(t, output, "Applying 002_index_a ... done")
	assert.Contains(t, output, "Apply complete: 2 applied, 0 already satisfied, 0 skipped for schema.")

	assert.Len(t, conn.CommittedContaining("CREATE TABLE a"), 1)
	assert.Len(t, conn.CommittedContaining("CREATE INDEX idx_a"), 1)
	assert.Len(t, conn.CommittedContaining("INSERT INTO"), 2)
}

func TestRunApply_safeUnits_applyWithoutForce(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, writeUnits(t, map[string]string{
		"V001_create_a.up.sql": "CREATE TABLE a (id int);",
	}))
	conn := useFakeDB(t)

	cmd, buf := newApplyCmd()

	require.NoError(t, runApply(cmd, nil))
	assert.Contains(t, buf.String(), "Apply complete: 1 applied")
	assert.Len(t, conn.CommittedContaining("INSERT INTO"), 1)
}

func TestRunApply_disabledRule_doesNotBlock(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	cfg := useConfig(t, safeAndIndexUnits(t))
	cfg.DisabledRules = []string{"create-index-not-concurrent"}
	conn := useFakeDB(t)

	cmd, buf := newApplyCmd()

	require.NoError(t, runApply(cmd, nil))
	assert.NotContains(t, buf.String(), "=== 002_index_a ===")
	assert.Len(t, conn.CommittedContaining("CREATE INDEX idx_a"), 1)
}

func TestRunApply_unknownDisabledRule_returnsError(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	cfg := useConfig(t, safeAndIndexUnits(t))
	cfg.DisabledRules = []string{"create-index"}
	conn := useFakeDB(t)

	cmd, _ := newApplyCmd()

	err := runApply(cmd, nil)

	require.ErrorIs(t, err, rules.ErrUnknownRule)
	assert.Empty(t, conn.Committed())
}

func TestRunApply_upToDate(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, writeUnits(t, map[string]string{
		"V001_create_a.up.sql": "CREATE TABLE a (id int);",
	}))
	conn := useFakeDB(t, ledger.Entry{Version: "001", Name: "create_a", AppliedAt: time.Now()})

	cmd, buf := newApplyCmd()

	require.NoError(t, runApply(cmd, nil))
	assert.Contains(t, buf.String(), "Database is up to date.")
	assert.Empty(t, conn.CommittedContaining("INSERT INTO"))
}

func TestRunApply_dryRun_changesNothing(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, safeAndIndexUnits(t))
	conn := useFakeDB(t)

	cmd, buf := newApplyCmd()
	setFlag(t, cmd, "dry-run", "true")

	require.NoError(t, runApply(cmd, nil))

	output := buf.String()
	assert.Contains(t, output, "DRY RUN")
	assert.Contains(t, output, "Would run 001_create_a")
	assert.Contains(t, output, "Would run 002_index_a")
	assert.Contains(t, output, "Dry run complete: 2 migration(s) would be applied.")
	assert.Empty(t, conn.Committed())
}

func TestRunApply_failure_stopsAndReports(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, writeUnits(t, map[string]string{
		"V001_create_a.up.sql": "CREATE TABLE a (id int);",
		"V002_create_b.up.sql": "CREATE TABLE b (id int);",
		"V003_create_c.up.sql": "CREATE TABLE c (id int);",
	}))
	conn := useFakeDB(t)
	conn.ExecHook = func(sql string, _ []any) error {
		if strings.Contains(sql, "CREATE TABLE b") {
			return errors.New(`relation "b" already exists`)
		}

		return nil
	}

	cmd, buf := newApplyCmd()

	err := runApply(cmd, nil)
	require.ErrorIs(t, err, executor.ErrExecutionFailed)

	output := buf.String()
	assert.Contains(t, output, "FAILED")
	assert.Contains(t, output, "Migration failed: execution_failed")
	assert.Contains(t, output, "Version:  002")
	assert.NotContains(t, output, "003_create_c")

	assert.Len(t, conn.CommittedContaining("INSERT INTO"), 1)
	assert.Empty(t, conn.CommittedContaining("CREATE TABLE c"))
}

func TestRunApply_unservedSchema_isRecordedNotRun(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	cfg := useConfig(t, writeUnits(t, map[string]string{
		"V001_create_builds.up.sql": "-- migrate:schema ci\nCREATE TABLE builds (id int);",
	}))
	cfg.Schemas = []string{"main"}
	conn := useFakeDB(t)

	cmd, buf := newApplyCmd()

	require.NoError(t, runApply(cmd, nil))

	output := buf.String()
	assert.Contains(t, output, "Skipping 001_create_builds (schema ci is not served here)")
	assert.Contains(t, output, "0 applied, 0 already satisfied, 1 skipped for schema.")
	assert.Empty(t, conn.CommittedContaining("CREATE TABLE builds"))
	assert.Len(t, conn.CommittedContaining("INSERT INTO"), 1)
}

func TestRunApply_ledgerWarnings_areReported(t *testing.T) { //nolint:paralleltest // writes global AppConfig
	useConfig(t, writeUnits(t, map[string]string{
		"V001_create_a.up.sql": "CREATE TABLE a (id int);",
	}))
	useFakeDB(t, ledger.Entry{Version: "099", Name: "pruned", AppliedAt: time.Now()})

	cmd, buf := newApplyCmd()

	require.NoError(t, runApply(cmd, nil))

	output := buf.String()
	assert.Contains(t, output, "warning: version 099 is in the ledger but has no migration file")
	assert.Contains(t, output, "warning: 001_create_a is older than the newest applied version")
	assert.Contains(t, output, "Apply complete: 1 applied")
}
