package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/logrusorgru/aurora/v3"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/aqasim81/schema-migration-runner/internal/executor"
)

// newAurora colours output only when stdout is a terminal and --no-color
// is not set.
func newAurora(cmd *cobra.Command) aurora.Aurora {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		return aurora.NewAurora(false)
	}

	f, ok := cmd.OutOrStdout().(*os.File)

	return aurora.NewAurora(ok && isatty.IsTerminal(f.Fd()))
}

// unitLabel is "version_name", or the bare version for orphaned rows.
func unitLabel(e executor.ProgressEvent) string {
	if e.Unit != nil {
		return e.Unit.ID()
	}

	return e.Version
}

// progressPrinter renders executor progress events as lines on out.
type progressPrinter struct {
	out io.Writer
	au  aurora.Aurora

	applied   int
	satisfied int
	skipped   int
	planned   int
	reverted  int
	warnings  int
}

func (p *progressPrinter) handle(e executor.ProgressEvent) {
	label := unitLabel(e)

	switch e.Status {
	case executor.StatusStarting:
		fmt.Fprintf(p.out, "  Applying %s ... ", label)
	case executor.StatusCompleted:
		fmt.Fprintf(p.out, "%s (%s)\n", p.au.Green("done"), e.Duration.Truncate(time.Millisecond))
		p.applied++
	case executor.StatusSatisfied:
		fmt.Fprintf(p.out, "%s (%s)\n", p.au.Cyan("already satisfied"), e.Duration.Truncate(time.Millisecond))
		p.satisfied++
	case executor.StatusSkippedSchema:
		fmt.Fprintf(p.out, "  Skipping %s (schema %s is not served here)\n", label, e.Unit.TargetSchema)
		p.skipped++
	case executor.StatusDryRun:
		fmt.Fprintf(p.out, "  Would run %s\n", label)
		p.planned++
	case executor.StatusReverting:
		fmt.Fprintf(p.out, "  Reverting %s ... ", label)
	case executor.StatusReverted:
		fmt.Fprintf(p.out, "%s (%s)\n", p.au.Green("done"), e.Duration.Truncate(time.Millisecond))
		p.reverted++
	case executor.StatusFailed:
		if e.Duration > 0 {
			fmt.Fprintln(p.out, p.au.Red("FAILED"))
		} else {
			fmt.Fprintf(p.out, "  %s %s\n", p.au.Red("Stopped at"), label)
		}
	case executor.StatusOrphaned:
		p.warn("version %s is in the ledger but has no migration file", label)
	case executor.StatusOutOfOrder:
		p.warn("%s is older than the newest applied version and will be applied now", label)
	case executor.StatusChecksumDrift:
		p.warn("%s changed after it was applied", label)
	}
}

func (p *progressPrinter) warn(format string, args ...any) {
	fmt.Fprintf(p.out, "  %s %s\n", p.au.Yellow("warning:"), fmt.Sprintf(format, args...))
	p.warnings++
}

// printFailure reports the failing version, the error kind and any schema
// objects a partial failure left behind.
func printFailure(out io.Writer, au aurora.Aurora, err error) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s %s\n", au.Bold(au.Red("Migration failed:")), executor.Describe(err))

	if v := executor.FailedVersion(err); v != "" {
		fmt.Fprintf(out, "  Version:  %s\n", v)
	}

	fmt.Fprintf(out, "  Error:    %v\n", err)

	if leftovers := executor.Leftovers(err); len(leftovers) > 0 {
		fmt.Fprintf(out, "  Left behind: %s\n", au.Yellow(strings.Join(leftovers, ", ")))
		fmt.Fprintln(out, "  Drop or repair these objects before retrying; the version was not recorded.")
	}
}
