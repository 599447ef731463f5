package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasim81/schema-migration-runner/internal/config"
	"github.com/aqasim81/schema-migration-runner/internal/database"
)

func newFlagCmd() *cobra.Command {
	cmd := &cobra.Command{}
	flags := cmd.Flags()
	flags.String("config", "nonexistent.yml", "")
	flags.String("database-url", "", "")
	flags.String("migrations-dir", "", "")
	flags.String("ledger-table", "", "")
	flags.StringSlice("schemas", nil, "")
	flags.Duration("lock-timeout", 0, "")
	flags.Duration("statement-timeout", 0, "")
	flags.String("format", "text", "")
	flags.Bool("verbose", false, "")

	return cmd
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"failure", errors.New("boom"), ExitFailure},
		{"lock held", fmt.Errorf("acquiring migration lock: %w", database.ErrLockNotAcquired), ExitLockHeld},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestRootCmd_registersSubcommands(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"apply", "up", "analyze", "plan", "status", "rollback"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.NotEqual(t, rootCmd, cmd, name)
	}
}

func TestMergeFlags_databaseURL_overridesConfig(t *testing.T) {
	t.Parallel()

	cfg := config.New()
	cmd := newFlagCmd()

	setFlag(t, cmd, "database-url", "postgres://test:5432/db")

	mergeFlags(cmd, cfg)
	assert.Equal(t, "postgres://test:5432/db", cfg.DatabaseURL)
}

func TestMergeFlags_migrationsDir_overridesConfig(t *testing.T) {
	t.Parallel()

	cfg := config.New()
	cmd := newFlagCmd()

	setFlag(t, cmd, "migrations-dir", "/custom/migrations")

	mergeFlags(cmd, cfg)
	assert.Equal(t, "/custom/migrations", cfg.MigrationsDir)
}

func TestMergeFlags_runnerSettings_overrideConfig(t *testing.T) {
	t.Parallel()

	cfg := config.New()
	cmd := newFlagCmd()

	setFlag(t, cmd, "ledger-table", "ops.versions")
	setFlag(t, cmd, "schemas", "main,ci")
	setFlag(t, cmd, "lock-timeout", "2s")
	setFlag(t, cmd, "statement-timeout", "1m")
	setFlag(t, cmd, "format", "json")

	mergeFlags(cmd, cfg)
	assert.Equal(t, "ops.versions", cfg.LedgerTable)
	assert.Equal(t, []string{"main", "ci"}, cfg.Schemas)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, time.Minute, cfg.StatementTimeout)
	assert.Equal(t, "json", cfg.Format)
}

func TestMergeFlags_unchangedFlags_preserveConfig(t *testing.T) {
	t.Parallel()

	cfg := config.New()
	cfg.DatabaseURL = "postgres://original:5432/db"
	cfg.MigrationsDir = "/original/dir"

	mergeFlags(newFlagCmd(), cfg)
	assert.Equal(t, "postgres://original:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "/original/dir", cfg.MigrationsDir)
	assert.Equal(t, config.DefaultLockTimeout, cfg.LockTimeout)
	assert.Nil(t, cfg.Schemas)
}

// restoreGlobals puts AppConfig and appLogger back after a test that loads configuration.
func restoreGlobals(t *testing.T) {
	t.Helper()

	oldCfg, oldLogger := AppConfig, appLogger
	t.Cleanup(func() {
		AppConfig = oldCfg
		appLogger = oldLogger
	})
}

func TestLoadConfig_missingFile_usesDefaults(t *testing.T) { // not parallel: mutates global AppConfig
	restoreGlobals(t)

	err := loadConfig(newFlagCmd())
	require.NoError(t, err)
	require.NotNil(t, AppConfig)
	require.NotNil(t, appLogger)
	assert.Equal(t, config.DefaultMigrationsDir, AppConfig.MigrationsDir)
	assert.Equal(t, config.DefaultTargetPGVersion, AppConfig.TargetPGVersion)
	assert.Equal(t, logrus.InfoLevel, appLogger.GetLevel())
}

func TestLoadConfig_validFile_loadsValues(t *testing.T) { // not parallel: mutates global AppConfig
	restoreGlobals(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "test-config.yml")

	yamlContent := "migrations_dir: /from/yaml\ntarget_pg_version: 15\nlog_format: json\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlContent), 0o600))

	cmd := newFlagCmd()
	setFlag(t, cmd, "config", cfgPath)

	err := loadConfig(cmd)
	require.NoError(t, err)
	require.NotNil(t, AppConfig)
	assert.Equal(t, "/from/yaml", AppConfig.MigrationsDir)
	assert.Equal(t, 15, AppConfig.TargetPGVersion)
	assert.IsType(t, &logrus.JSONFormatter{}, appLogger.Formatter)
}

func TestLoadConfig_flagBeatsFile(t *testing.T) { // not parallel: mutates global AppConfig
	restoreGlobals(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "migrate.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("migrations_dir: /from/yaml\n"), 0o600))

	cmd := newFlagCmd()
	setFlag(t, cmd, "config", cfgPath)
	setFlag(t, cmd, "migrations-dir", "/from/flag")

	require.NoError(t, loadConfig(cmd))
	assert.Equal(t, "/from/flag", AppConfig.MigrationsDir)
}

func TestLoadConfig_verbose_enablesDebug(t *testing.T) { // not parallel: mutates global AppConfig
	restoreGlobals(t)

	cmd := newFlagCmd()
	setFlag(t, cmd, "verbose", "true")

	require.NoError(t, loadConfig(cmd))
	assert.Equal(t, logrus.DebugLevel, appLogger.GetLevel())
}

func TestLoadConfig_invalidFile_returnsError(t *testing.T) { // not parallel: mutates global AppConfig
	restoreGlobals(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad-config.yml")

	require.NoError(t, os.WriteFile(cfgPath, []byte("target_pg_version: [unclosed"), 0o600))

	cmd := newFlagCmd()
	setFlag(t, cmd, "config", cfgPath)

	err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading configuration")
}

func TestLoadConfig_invalidValue_failsValidation(t *testing.T) { // not parallel: mutates global AppConfig
	restoreGlobals(t)

	AppConfig = nil

	cmd := newFlagCmd()
	setFlag(t, cmd, "format", "xml")

	err := loadConfig(cmd)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Nil(t, AppConfig)
}

func TestLogger_beforeConfiguration_isSilent(t *testing.T) { // not parallel: mutates global appLogger
	restoreGlobals(t)

	appLogger = nil

	require.NotNil(t, logger())
}
