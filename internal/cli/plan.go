package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

var planCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "plan",
	Short: "Show execution plan for pending migrations",
	Long: `Display the pending migrations in the order apply would run them,
with the operations each performs, warnings about the ledger, and analysis
findings. Nothing is changed and no lock is taken.`,
	RunE: runPlan,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	planCmd.Flags().String("format", "text", "output format (text, json)")
	rootCmd.AddCommand(planCmd)
}

type plannedUnitJSON struct {
	Version       string   `json:"version"`
	Name          string   `json:"name"`
	Transactional bool     `json:"transactional"`
	Operations    []string `json:"operations"`
	Notes         []string `json:"notes,omitempty"`
}

type planJSON struct {
	Pending       []plannedUnitJSON  `json:"pending"`
	Orphans       []string           `json:"orphans"`
	OutOfOrder    []string           `json:"out_of_order"`
	ChecksumDrift []string           `json:"checksum_drift"`
	Analysis      []unitAnalysisJSON `json:"analysis"`
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg := AppConfig
	jsonOut := outputFormat(cmd) == "json"

	info := cmd.OutOrStdout()
	if jsonOut {
		info = cmd.ErrOrStderr()
	}

	units, err := loadUnits(cfg.MigrationsDir, info)
	if err != nil || units == nil {
		return err
	}

	ctx := commandContext(cmd)

	s, err := openSession(ctx, cfg, info)
	if err != nil {
		return err
	}
	defer s.close()

	plan, err := s.exec.Plan(ctx, units)
	if err != nil {
		return err
	}

	results, err := analyzeUnits(cfg, plan.Pending)
	if err != nil {
		return err
	}

	if jsonOut {
		return writeJSON(cmd, buildPlanJSON(plan, results, cfg.Schemas))
	}

	out := cmd.OutOrStdout()
	printPlan(out, newAurora(cmd), plan, cfg.Schemas)

	if len(plan.Pending) > 0 {
		printAnalysisResults(cmd, results)
	}

	return nil
}

func operationKinds(u *migration.Unit) []string {
	kinds := make([]string, 0, len(u.Up))
	for _, op := range u.Up {
		kinds = append(kinds, op.Kind())
	}

	return kinds
}

func printPlan(out io.Writer, au aurora.Aurora, plan *migration.Plan, schemas []string) {
	for _, v := range plan.Orphans {
		fmt.Fprintf(out, "%s version %s is in the ledger but has no migration file\n", au.Yellow("warning:"), v)
	}

	for _, u := range plan.Drifted {
		fmt.Fprintf(out, "%s %s changed after it was applied\n", au.Yellow("warning:"), u.ID())
	}

	for _, u := range plan.Gaps {
		fmt.Fprintf(out, "%s %s is older than the newest applied version\n", au.Yellow("warning:"), u.ID())
	}

	if len(plan.Pending) == 0 {
		fmt.Fprintln(out, "Database is up to date.")
		return
	}

	fmt.Fprintf(out, "Pending migrations (%d):\n", len(plan.Pending))

	for i, u := range plan.Pending {
		fmt.Fprintf(out, "  %d. %s  [%s]\n", i+1, au.Bold(u.ID()), strings.Join(operationKinds(u), ", "))

		if notes := unitNotes(u, schemas); len(notes) > 0 {
			fmt.Fprintf(out, "     %s\n", strings.Join(notes, ", "))
		}
	}
}

func buildPlanJSON(plan *migration.Plan, results []analyzer.AnalysisResult, schemas []string) planJSON {
	out := planJSON{
		Pending:       make([]plannedUnitJSON, 0, len(plan.Pending)),
		Orphans:       append([]string{}, plan.Orphans...),
		OutOfOrder:    make([]string, 0, len(plan.Gaps)),
		ChecksumDrift: make([]string, 0, len(plan.Drifted)),
		Analysis:      analysisReport(results),
	}

	for _, u := range plan.Pending {
		out.Pending = append(out.Pending, plannedUnitJSON{
			Version:       u.Version,
			Name:          u.Name,
			Transactional: u.Transactional(),
			Operations:    operationKinds(u),
			Notes:         unitNotes(u, schemas),
		})
	}

	for _, u := range plan.Gaps {
		out.OutOfOrder = append(out.OutOfOrder, u.Version)
	}

	for _, u := range plan.Drifted {
		out.ChecksumDrift = append(out.ChecksumDrift, u.Version)
	}

	return out
}
