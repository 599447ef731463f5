package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/ledger"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

var statusCmd = &cobra.Command{ //nolint:gochecknoglobals // standard Cobra pattern
	Use:   "status",
	Short: "Show migration status",
	Long: `Display every migration unit with its state in the ledger: applied
(with the time it was applied) or pending. Ledger versions without a unit,
units older than the newest applied version, and applied units whose
definition changed since they ran are flagged.`,
	RunE: runStatus,
}

func init() { //nolint:gochecknoinits // standard Cobra pattern for flag registration
	statusCmd.Flags().String("format", "text", "output format (text, json)")
	rootCmd.AddCommand(statusCmd)
}

// Unit states reported by status.
const (
	stateApplied  = "applied"
	statePending  = "pending"
	stateOrphaned = "orphaned"
)

type statusRow struct {
	Version   string     `json:"version"`
	Name      string     `json:"name,omitempty"`
	State     string     `json:"state"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	Notes     []string   `json:"notes,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := AppConfig
	jsonOut := outputFormat(cmd) == "json"

	// Keep stdout clean for JSON consumers.
	info := cmd.OutOrStdout()
	if jsonOut {
		info = cmd.ErrOrStderr()
	}

	units, err := loadUnits(cfg.MigrationsDir, info)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)

	s, err := openSession(ctx, cfg, info)
	if err != nil {
		return err
	}
	defer s.close()

	entries, err := s.ledger.Applied(ctx)
	if err != nil {
		return err
	}

	rows, err := statusRows(units, entries, cfg.Schemas)
	if err != nil {
		return err
	}

	if jsonOut {
		return writeJSON(cmd, rows)
	}

	printStatus(cmd.OutOrStdout(), newAurora(cmd), rows)

	return nil
}

// statusRows lists units in version order followed by orphaned versions.
func statusRows(units []*migration.Unit, entries []ledger.Entry, schemas []string) ([]statusRow, error) {
	applied := make([]migration.AppliedVersion, len(entries))
	byVersion := make(map[string]ledger.Entry, len(entries))

	for i, e := range entries {
		applied[i] = migration.AppliedVersion{Version: e.Version, Checksum: e.Checksum}
		byVersion[e.Version] = e
	}

	plan, err := migration.Resolve(units, applied)
	if err != nil {
		return nil, err
	}

	rows := make([]statusRow, 0, len(units)+len(plan.Orphans))

	for _, u := range migration.Sort(units) {
		row := statusRow{Version: u.Version, Name: u.Name, State: statePending, Notes: unitNotes(u, schemas)}

		if e, ok := byVersion[u.Version]; ok {
			at := e.AppliedAt
			row.State = stateApplied
			row.AppliedAt = &at
		}

		if slices.Contains(plan.Gaps, u) {
			row.Notes = append(row.Notes, "out of order")
		}

		if slices.Contains(plan.Drifted, u) {
			row.Notes = append(row.Notes, "checksum drift")
		}

		rows = append(rows, row)
	}

	for _, v := range plan.Orphans {
		row := statusRow{Version: v, State: stateOrphaned, Notes: []string{"no migration file"}}

		if e, ok := byVersion[v]; ok {
			at := e.AppliedAt
			row.Name = e.Name
			row.AppliedAt = &at
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// unitNotes describes the static properties of u worth showing.
func unitNotes(u *migration.Unit, schemas []string) []string {
	var notes []string

	if !u.Transactional() {
		notes = append(notes, "no transaction")
	}

	if u.TargetSchema != "" {
		note := "schema " + u.TargetSchema
		if !servesSchema(schemas, u.TargetSchema) {
			note += " (not served)"
		}

		notes = append(notes, note)
	}

	if !u.Reversible() {
		notes = append(notes, "irreversible")
	}

	if u.DestructiveDown {
		notes = append(notes, "destructive down")
	}

	if u.Milestone != "" {
		notes = append(notes, "milestone "+u.Milestone)
	}

	if u.Downtime {
		notes = append(notes, "downtime")
	}

	return notes
}

// servesSchema reports whether a database serving schemas runs units for
// target. An empty list serves every schema.
func servesSchema(schemas []string, target string) bool {
	return target == "" || len(schemas) == 0 || slices.Contains(schemas, target)
}

func printStatus(out io.Writer, au aurora.Aurora, rows []statusRow) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No migrations.")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0) //nolint:mnd // column padding

	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE\tAPPLIED AT\tNOTES")

	counts := make(map[string]int)

	for _, r := range rows {
		counts[r.State]++

		appliedAt := "-"
		if r.AppliedAt != nil {
			appliedAt = r.AppliedAt.Local().Format(time.DateTime)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Version, r.Name, colorState(au, r.State), appliedAt, strings.Join(r.Notes, ", "))
	}

	_ = tw.Flush()

	fmt.Fprintf(out, "\n%d applied, %d pending, %d orphaned.\n",
		counts[stateApplied], counts[statePending], counts[stateOrphaned])
}

func colorState(au aurora.Aurora, state string) aurora.Value {
	switch state {
	case stateApplied:
		return au.Green(state)
	case statePending:
		return au.Yellow(state)
	default:
		return au.Red(state)
	}
}

// outputFormat returns the --format flag when set, else the configured format.
func outputFormat(cmd *cobra.Command) string {
	if cmd.Flags().Changed("format") {
		f, _ := cmd.Flags().GetString("format")
		return f
	}

	if AppConfig != nil && AppConfig.Format != "" {
		return AppConfig.Format
	}

	return "text"
}
