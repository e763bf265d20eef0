package main

import (
	"fmt"
	"io"

	"github.com/fieldops/opsync/internal/export"
	"github.com/fieldops/opsync/internal/fold"
	"github.com/fieldops/opsync/internal/orchestrator"
	"github.com/fieldops/opsync/internal/ui"
	"github.com/fieldops/opsync/internal/writeback"
)

// printReport writes one line per step and a closing summary.
func printReport(w io.Writer, report *orchestrator.CycleReport) {
	title := "Sync cycle"
	if report.DryRun {
		title = "Sync cycle (dry run)"
	}
	fmt.Fprintf(w, "\n%s %s %s\n\n", ui.RenderAccent("●"), title, ui.RenderMuted(report.ID))

	for _, info := range report.LockFaults {
		fmt.Fprintf(w, "%s lock %s held by %s on %s for %s\n", ui.RenderFail("✗"),
			info.Resource, info.Holder, info.Host, ui.Duration(info.Age))
	}

	for _, s := range report.Steps {
		icon := ui.RenderPass("✓")
		summary := summarize(s.Detail)
		switch {
		case s.Skipped:
			icon = ui.RenderWarn("⚠")
			summary = "skipped: " + s.Error
		case s.Failed():
			icon = ui.RenderFail("✗")
			summary = s.Error
		}
		fmt.Fprintf(w, "%s %-9s %-15s %8s  %s\n", icon, s.Stage, s.Name, ui.Duration(s.Duration), summary)
	}

	failures := len(report.Failures())
	elapsed := ui.Duration(report.Finished.Sub(report.Started))
	if failures > 0 {
		fmt.Fprintf(w, "\n%s %d of %d steps failed in %s\n", ui.RenderFail("✗"), failures, len(report.Steps), elapsed)
		return
	}
	fmt.Fprintf(w, "\n%s %d steps in %s\n", ui.RenderPass("✓"), len(report.Steps), elapsed)
}

// summarize renders a step result in one line.
func summarize(detail any) string {
	switch r := detail.(type) {
	case *fold.Result:
		return ui.Counts("created", r.Created, "replaced", r.Replaced, "unchanged", r.Unchanged,
			"conflicts", len(r.Conflicts), "invalid", len(r.Invalid))
	case *export.CleanupResult:
		return ui.Counts("reset", r.Reset, "rows_deleted", r.RowsDeleted, "tracking_failures", r.TrackingFailures)
	case []*export.Result:
		var exported, skipped, claimed, trackFail int
		for _, b := range r {
			exported += b.Exported
			skipped += len(b.Skipped)
			claimed += b.AlreadyClaimed
			trackFail += b.TrackingFailures
		}
		return ui.Counts("batches", len(r), "exported", exported, "skipped", skipped,
			"already_claimed", claimed, "tracking_failures", trackFail)
	case *export.Result:
		return ui.Counts("exported", r.Exported, "skipped", len(r.Skipped), "already_claimed", r.AlreadyClaimed)
	case *writeback.Result:
		return ui.Counts("updated", r.Updated, "cleared", r.Cleared, "missing", len(r.Missing))
	default:
		return ""
	}
}
