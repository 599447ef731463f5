package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/analyzer"
)

var analyzeCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "analyze [migration-dir]",
	Short: "Analyze migrations for dangerous operations",
	Long: `Analyze migration units for operations that could cause table locks,
downtime, or data loss. Structured operations are rendered to the SQL they
would run, then checked with the PostgreSQL parser. Reports findings with
severity levels and suggests safe alternatives.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	analyzeCmd.Flags().String("format", "text", "output format (text, json)")
	analyzeCmd.Flags().Bool("fail-on-high", false, "exit with non-zero code if high/critical findings exist")
	rootCmd.AddCommand(analyzeCmd)
}

// errHighSeverityFindings is returned when --fail-on-high is set and high/critical findings exist.
var errHighSeverityFindings = errors.New("high or critical severity findings detected")

func runAnalyze(cmd *cobra.Command, args []string) error {
	dir := AppConfig.MigrationsDir
	if len(args) > 0 {
		dir = args[0]
	}

	units, err := loadUnits(dir, cmd.OutOrStdout())
	if err != nil || units == nil {
		return err
	}

	results, err := analyzeUnits(AppConfig, units)
	if err != nil {
		return err
	}

	var hasHighOrCritical bool

	if outputFormat(cmd) == "json" {
		if err := writeJSON(cmd, analysisReport(results)); err != nil {
			return err
		}

		hasHighOrCritical = len(analyzer.Blocking(results)) > 0
	} else {
		hasHighOrCritical = printAnalysisResults(cmd, results)
	}

	failOnHigh, _ := cmd.Flags().GetBool("fail-on-high")
	if failOnHigh && hasHighOrCritical {
		return errHighSeverityFindings
	}

	return nil
}

func printAnalysisResults(cmd *cobra.Command, results []analyzer.AnalysisResult) bool {
	out := cmd.OutOrStdout()
	au := newAurora(cmd)
	totalFindings := 0
	hasHighOrCritical := false

	for _, r := range results {
		if len(r.Findings) == 0 {
			continue
		}

		fmt.Fprintf(out, "\n=== %s ===\n", au.Bold(r.Unit.ID()))

		for _, f := range r.Findings {
			fmt.Fprintf(out, "  [%s] %s\n", f.Severity.Colorize(au, f.Severity), f.Message)
			fmt.Fprintf(out, "    Table: %s\n", f.Table)
			fmt.Fprintf(out, "    Rule:  %s\n", f.Rule)

			if f.Statement != "" {
				fmt.Fprintf(out, "    SQL:   %s\n", f.Statement)
			}

			fmt.Fprintf(out, "    Fix:   %s\n\n", f.Suggestion)
		}

		totalFindings += len(r.Findings)

		if r.HasHighOrCritical() {
			hasHighOrCritical = true
		}
	}

	if totalFindings == 0 {
		fmt.Fprintln(out, "No dangerous operations detected.")
	} else {
		fmt.Fprintf(out, "Found %d finding(s) across %d migration(s).\n", totalFindings, countMigrationsWithFindings(results))
	}

	return hasHighOrCritical
}

func countMigrationsWithFindings(results []analyzer.AnalysisResult) int {
	count := 0

	for _, r := range results {
		if len(r.Findings) > 0 {
			count++
		}
	}

	return count
}

type findingJSON struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	Table      string `json:"table"`
	Operation  string `json:"operation,omitempty"`
	Statement  string `json:"statement,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	LockType   string `json:"lock_type,omitempty"`
}

type unitAnalysisJSON struct {
	Version     string        `json:"version"`
	Name        string        `json:"name"`
	MaxSeverity string        `json:"max_severity"`
	Findings    []findingJSON `json:"findings"`
}

func analysisReport(results []analyzer.AnalysisResult) []unitAnalysisJSON {
	report := make([]unitAnalysisJSON, 0, len(results))

	for _, r := range results {
		u := unitAnalysisJSON{
			Version:     r.Unit.Version,
			Name:        r.Unit.Name,
			MaxSeverity: r.MaxSeverity.String(),
			Findings:    make([]findingJSON, 0, len(r.Findings)),
		}

		for _, f := range r.Findings {
			u.Findings = append(u.Findings, findingJSON{
				Rule:       f.Rule,
				Severity:   f.Severity.String(),
				Table:      f.Table,
				Operation:  f.Operation,
				Statement:  f.Statement,
				Message:    f.Message,
				Suggestion: f.Suggestion,
				LockType:   f.LockType,
			})
		}

		report = append(report, u)
	}

	return report
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing JSON report: %w", err)
	}

	return nil
}
