package syncer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// WriteReport writes the human-readable diff report to the configured path.
// A no-op when no path is configured.
func (e *Engine) WriteReport(summary *Summary, diffs []DiffRecord) error {
	if e.config.ReportPath == "" {
		return nil
	}
	f, err := os.Create(e.config.ReportPath)
	if err != nil {
		return fmt.Errorf("failed to create diff report: %w", err)
	}
	defer f.Close()

	if err := renderReport(f, summary, diffs); err != nil {
		return fmt.Errorf("failed to write diff report: %w", err)
	}
	e.logger.Info("Wrote diff report", "path", e.config.ReportPath, "changed", len(diffs))
	return nil
}

// renderReport writes the full text report: per-entity field changes first,
// then the record lists that need manual attention
func renderReport(w io.Writer, summary *Summary, diffs []DiffRecord) error {
	fmt.Fprintf(w, "Sync diff report\n")
	fmt.Fprintf(w, "Run:       %s\n", summary.RunID)
	fmt.Fprintf(w, "Generated: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "Matched %d records, %d unchanged, %d with differences\n\n",
		summary.Matched, summary.Unchanged, summary.Changed)

	for _, d := range diffs {
		fmt.Fprintf(w, "%s (record %s)\n", d.EntityID, d.RecordID)
		names := make([]string, 0, len(d.Fields))
		for name := range d.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			change := d.Fields[name]
			fmt.Fprintf(w, "  %-16s %q -> %q\n", name+":", asString(change.Old), asString(change.New))
		}
		fmt.Fprintln(w)
	}

	writeEntityList(w, "Missing in target (extracted but no matching record)", summary.MissingInTarget)
	writeEntityList(w, "Missing in source (target record never extracted)", summary.MissingInSource)
	writeEntityList(w, "Unit counts outside the box classification table", summary.UnmappedUnits)

	if len(summary.Failures) > 0 {
		fmt.Fprintf(w, "Apply failures (%d):\n", len(summary.Failures))
		ids := make([]string, 0, len(summary.Failures))
		for id := range summary.Failures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "  %s: %s\n", id, summary.Failures[id])
		}
		fmt.Fprintln(w)
	}
	return nil
}

func writeEntityList(w io.Writer, title string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", title, len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\n", id)
	}
	fmt.Fprintln(w)
}

// PrintSummary renders the run summary as a table for terminal output
func PrintSummary(w io.Writer, summary *Summary) {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")

	table.Append("Run", summary.RunID)
	table.Append("Matched", fmt.Sprintf("%d", summary.Matched))
	table.Append("Unchanged", fmt.Sprintf("%d", summary.Unchanged))
	table.Append("Changed", fmt.Sprintf("%d", summary.Changed))
	table.Append("Applied", fmt.Sprintf("%d", summary.Applied))
	table.Append("Failed", fmt.Sprintf("%d", summary.Failed))
	table.Append("Batches", fmt.Sprintf("%d", summary.Batches))
	table.Append("Missing in target", fmt.Sprintf("%d", len(summary.MissingInTarget)))
	table.Append("Missing in source", fmt.Sprintf("%d", len(summary.MissingInSource)))
	table.Append("Unmapped units", fmt.Sprintf("%d", len(summary.UnmappedUnits)))
	table.Append("Elapsed", summary.Elapsed.Round(time.Millisecond).String())

	table.Render()

	if len(summary.UnmappedUnits) > 0 {
		fmt.Fprintf(w, "Unmapped unit counts: %s\n", strings.Join(summary.UnmappedUnits, ", "))
	}
}
