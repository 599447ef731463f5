package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/config"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/logging"
)

const version = "0.1.0"

// Process exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitLockHeld = 2
)

// AppConfig holds the loaded configuration, set during PersistentPreRunE.
var AppConfig *config.Config //nolint:gochecknoglobals // standard Cobra pattern for shared config

// appLogger is built from AppConfig during PersistentPreRunE.
var appLogger *logrus.Logger //nolint:gochecknoglobals // standard Cobra pattern for shared state

// rootCmd is the base command for the migrate CLI.
var rootCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:     "migrate",
	Version: version,
	Short:   "Versioned PostgreSQL schema migration runner",
	Long: `migrate applies ordered schema and data migrations to PostgreSQL,
records each applied version in a ledger table, and rolls back the most
recent ones. Concurrent index builds, NOT VALID constraints and batched
backfills run without holding long table locks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd)
	},
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	flags := rootCmd.PersistentFlags()
	flags.String("config", "migrate.yml", "path to configuration file")
	flags.String("database-url", "", "PostgreSQL connection string")
	flags.String("migrations-dir", "", "path to migration files")
	flags.String("ledger-table", "", "table recording applied versions")
	flags.StringSlice("schemas", nil, "logical schemas this database serves (default all)")
	flags.Bool("verbose", false, "enable debug logging")
	flags.Bool("no-color", false, "disable coloured output")
}

// Execute runs the root command under ctx and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}

	return ExitCode(err)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, database.ErrLockNotAcquired):
		return ExitLockHeld
	default:
		return ExitFailure
	}
}

// loadConfig loads configuration with precedence: flag > env > file.
func loadConfig(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	allowMissing := !cmd.Flags().Changed("config")

	cfg, err := config.Load(configPath, allowMissing)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := config.MergeEnv(cfg); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	mergeFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = logrus.DebugLevel.String()
	}

	logger, err := logging.New(level, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	AppConfig = cfg
	appLogger = logger

	return nil
}

// mergeFlags overrides config with explicitly-set CLI flags.
func mergeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("database-url") {
		cfg.DatabaseURL, _ = flags.GetString("database-url")
	}

	if flags.Changed("migrations-dir") {
		cfg.MigrationsDir, _ = flags.GetString("migrations-dir")
	}

	if flags.Changed("ledger-table") {
		cfg.LedgerTable, _ = flags.GetString("ledger-table")
	}

	if flags.Changed("schemas") {
		cfg.Schemas, _ = flags.GetStringSlice("schemas")
	}

	if flags.Changed("lock-timeout") {
		cfg.LockTimeout, _ = flags.GetDuration("lock-timeout")
	}

	if flags.Changed("statement-timeout") {
		cfg.StatementTimeout, _ = flags.GetDuration("statement-timeout")
	}

	if flags.Changed("format") {
		cfg.Format, _ = flags.GetString("format")
	}
}

// logger returns the configured logger, or a silent one before
// configuration is loaded.
func logger() *logrus.Entry {
	if appLogger == nil {
		return logging.Discard()
	}

	return logrus.NewEntry(appLogger)
}
