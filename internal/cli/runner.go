package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
	"github.com/aqasim81/schema-migration-runner/internal/analyzer/rules"
	"github.com/aqasim81/schema-migration-runner/internal/config"
	"github.com/aqasim81/schema-migration-runner/internal/coordinator"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/executor"
	"github.com/aqasim81/schema-migration-runner/internal/ledger"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

// errDatabaseURLRequired is returned when no database URL is configured.
var errDatabaseURLRequired = errors.New( //nolint:gochecknoglobals // sentinel error
	"database URL is required (set --database-url, MIGRATE_DATABASE_URL, or database_url in config)",
)

// connect opens the database for a command. Tests replace it.
var connect = func(ctx context.Context, url string) (database.Conn, func(), error) { //nolint:gochecknoglobals // test seam
	pool, err := database.NewPool(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	return pool, pool.Close, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}

// loadUnits loads and sorts the units in dir. It returns nil units and no
// error when the directory holds none.
func loadUnits(dir string, out io.Writer) ([]*migration.Unit, error) {
	units, err := migration.LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}

	if len(units) == 0 {
		fmt.Fprintln(out, "No migration files found.")
		return nil, nil
	}

	return migration.Sort(units), nil
}

// session is an open connection with the ledger and executor built on it.
type session struct {
	conn   database.Conn
	ledger *ledger.Ledger
	exec   *executor.Executor
	close  func()
}

// openSession connects and wires the ledger, coordinator and executor
// from cfg. Extra executor options are applied last.
func openSession(ctx context.Context, cfg *config.Config, out io.Writer, opts ...executor.Option) (*session, error) {
	if cfg.DatabaseURL == "" {
		return nil, errDatabaseURLRequired
	}

	fmt.Fprintf(out, "Connecting to %s\n", config.RedactURL(cfg.DatabaseURL))

	conn, closeFn, err := connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	l, err := ledger.New(conn, ledger.WithTable(cfg.LedgerTable))
	if err != nil {
		closeFn()
		return nil, err
	}

	log := logger()

	base := []executor.Option{
		executor.WithLockTimeout(cfg.LockTimeout),
		executor.WithStatementTimeout(cfg.StatementTimeout),
		executor.WithSchemas(cfg.Schemas...),
		executor.WithLogger(log),
		executor.WithCoordinator(coordinator.New(cfg.Coordinator(), coordinator.WithLogger(log))),
		executor.WithBackfillDefaults(cfg.Backfill.BatchSize, cfg.Backfill.Pause),
	}

	return &session{
		conn:   conn,
		ledger: l,
		exec:   executor.New(conn, l, append(base, opts...)...),
		close:  closeFn,
	}, nil
}

// newAnalyzer returns an analyzer with every built-in rule not disabled
// in cfg.
func newAnalyzer(cfg *config.Config) (*analyzer.Analyzer, error) {
	registry, err := rules.NewDefaultRegistry(cfg.DisabledRules...)
	if err != nil {
		return nil, err
	}

	return analyzer.New(
		analyzer.WithRegistry(registry),
		analyzer.WithPGVersion(cfg.TargetPGVersion),
	), nil
}

// analyzeUnits runs the configured analyzer over units.
func analyzeUnits(cfg *config.Config, units []*migration.Unit) ([]analyzer.AnalysisResult, error) {
	a, err := newAnalyzer(cfg)
	if err != nil {
		return nil, err
	}

	results, err := a.AnalyzeAll(units)
	if err != nil {
		return nil, fmt.Errorf("analyzing migrations: %w", err)
	}

	return results, nil
}
