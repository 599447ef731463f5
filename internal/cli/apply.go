package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
	"github.com/aqasim81/schema-migration-runner/internal/config"
	"github.com/aqasim81/schema-migration-runner/internal/executor"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

// errDangerousMigrations is returned when apply is blocked by high/critical findings.
var errDangerousMigrations = errors.New("apply aborted: dangerous migrations detected (use --force to override)")

var applyCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:     "apply",
	Aliases: []string{"up"},
	Short:   "Apply pending migrations",
	Long: `Apply every pending migration in version order. Each transactional
unit commits together with its ledger row; non-transactional units are
checked for leftover objects before they are recorded. The run stops at
the first failure.`,
	RunE: runApply,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	applyCmd.Flags().Bool("dry-run", false, "show what would be applied without executing")
	applyCmd.Flags().Bool("force", false, "apply even when the analyzer reports high or critical findings")
	applyCmd.Flags().Duration("lock-timeout", 0, "override lock timeout (e.g., 10s, 1m)")
	applyCmd.Flags().Duration("statement-timeout", 0, "override statement timeout (e.g., 30s, 5m)")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, _ []string) error {
	cfg := AppConfig

	if cfg.DatabaseURL == "" {
		return errDatabaseURLRequired
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	out := cmd.OutOrStdout()

	units, err := loadUnits(cfg.MigrationsDir, out)
	if err != nil || units == nil {
		return err
	}

	ctx := commandContext(cmd)
	au := newAurora(cmd)
	printer := &progressPrinter{out: out, au: au}

	s, err := openSession(ctx, cfg, out,
		executor.WithDryRun(dryRun),
		executor.WithProgressCallback(printer.handle),
	)
	if err != nil {
		return err
	}
	defer s.close()

	if !force && !dryRun {
		plan, planErr := s.exec.Plan(ctx, units)
		if planErr != nil {
			return planErr
		}

		blocked, analyzeErr := checkDangerousMigrations(cmd, plan.Pending, cfg)
		if analyzeErr != nil {
			return analyzeErr
		}

		if blocked {
			return errDangerousMigrations
		}
	}

	if dryRun {
		fmt.Fprintln(out, "\n--- DRY RUN (no changes will be made) ---")
	}

	if err := s.exec.Apply(ctx, units); err != nil {
		printFailure(out, au, err)
		return err
	}

	switch {
	case dryRun:
		fmt.Fprintf(out, "\nDry run complete: %d migration(s) would be applied.\n", printer.planned)
	case printer.applied+printer.satisfied+printer.skipped == 0:
		fmt.Fprintln(out, "\nDatabase is up to date.")
	default:
		fmt.Fprintf(out, "\nApply complete: %d applied, %d already satisfied, %d skipped for schema.\n",
			printer.applied, printer.satisfied, printer.skipped)
	}

	return nil
}

// checkDangerousMigrations runs the analyzer over units and returns true if
// HIGH/CRITICAL findings were found (blocking apply).
func checkDangerousMigrations(cmd *cobra.Command, units []*migration.Unit, cfg *config.Config) (bool, error) {
	results, err := analyzeUnits(cfg, units)
	if err != nil {
		return false, err
	}

	if len(analyzer.Blocking(results)) == 0 {
		return false, nil
	}

	return printAnalysisResults(cmd, results), nil
}
