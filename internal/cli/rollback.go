package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/executor"
)

// errConflictingTarget is returned when both a step count and --target are given.
var errConflictingTarget = errors.New("give either a step count or --target, not both")

var rollbackCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "rollback [N]",
	Short: "Roll back applied migrations",
	Long: `Roll back the N most recently applied migrations (default 1), newest
first, or every migration above --target. Rollback stops at the first
migration that cannot be reverted: one without down operations, or one
whose down deletes data unless --allow-destructive is given. Versions below
it stay applied.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	rollbackCmd.Flags().String("target", "", "roll back every migration above this version")
	rollbackCmd.Flags().Bool("allow-destructive", false, "allow rolling back migrations whose down deletes data")
	rollbackCmd.Flags().Bool("dry-run", false, "show what would be reverted without executing")
	rollbackCmd.Flags().Duration("lock-timeout", 0, "override lock timeout (e.g., 10s, 1m)")
	rollbackCmd.Flags().Duration("statement-timeout", 0, "override statement timeout (e.g., 30s, 5m)")
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg := AppConfig

	if cfg.DatabaseURL == "" {
		return errDatabaseURLRequired
	}

	target, _ := cmd.Flags().GetString("target")
	allowDestructive, _ := cmd.Flags().GetBool("allow-destructive")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	steps := 1

	if len(args) > 0 {
		if target != "" {
			return errConflictingTarget
		}

		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("%w: step count must be a positive integer, got %q", executor.ErrInvalidTarget, args[0])
		}

		steps = n
	}

	out := cmd.OutOrStdout()

	units, err := loadUnits(cfg.MigrationsDir, out)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	au := newAurora(cmd)
	printer := &progressPrinter{out: out, au: au}

	s, err := openSession(ctx, cfg, out,
		executor.WithDryRun(dryRun),
		executor.WithAllowDestructive(allowDestructive),
		executor.WithProgressCallback(printer.handle),
	)
	if err != nil {
		return err
	}
	defer s.close()

	if dryRun {
		fmt.Fprintln(out, "\n--- DRY RUN (no changes will be made) ---")
	}

	if target != "" {
		err = s.exec.RollbackToVersion(ctx, units, target)
	} else {
		err = s.exec.Rollback(ctx, units, steps)
	}

	if err != nil {
		printFailure(out, au, err)
		return err
	}

	switch {
	case dryRun:
		fmt.Fprintf(out, "\nDry run complete: %d migration(s) would be reverted.\n", printer.planned)
	case printer.reverted+printer.skipped == 0:
		fmt.Fprintln(out, "\nNothing to roll back.")
	default:
		fmt.Fprintf(out, "\nRollback complete: %d reverted, %d skipped for schema.\n", printer.reverted, printer.skipped)
	}

	return nil
}
