package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/tracking"
	"github.com/fieldops/opsync/internal/ui"
)

var trackingCmd = &cobra.Command{
	Use:     "tracking",
	GroupID: "ops",
	Short:   "Show per-period export tracking",
}

var trackingShowCmd = &cobra.Command{
	Use:   "show <kind>",
	Short: "Show which records of a period were exported",
	Long: `Show the tracking record of one kind (timesheets, expenses) for a period.
The period is a date (2006-01-02) or a phrase such as "last saturday" or
"yesterday", evaluated in the business time zone.

Examples:
  opsync tracking show timesheets --period 2026-10-10
  opsync tracking show timesheets --period "last saturday"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phrase, _ := cmd.Flags().GetString("period")
		period, err := parsePeriod(phrase, time.Now(), cfg.Location())
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.tracker().Get(ctx, args[0], period)
		if errors.Is(err, docstore.ErrNotFound) {
			fmt.Printf("%s No %s tracked for %s\n", ui.RenderMuted("●"), args[0], period)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("\n%s %s for %s\n\n", ui.RenderAccent("●"), rec.Kind, rec.Period)
		rows := make([][]string, 0, len(rec.Exported)+len(rec.Pending))
		for _, id := range rec.Exported {
			at := ""
			if t, ok := rec.ExportedAt[id]; ok {
				at = t.In(cfg.Location()).Format(time.RFC3339)
			}
			rows = append(rows, []string{id, ui.RenderPass("exported"), at})
		}
		pending := append([]string(nil), rec.Pending...)
		sort.Strings(pending)
		for _, id := range pending {
			rows = append(rows, []string{id, ui.RenderWarn("pending"), ""})
		}
		fmt.Println(ui.Table([]string{"ID", "STATE", "EXPORTED AT"}, rows))
		fmt.Printf("\nUpdated %s\n", rec.UpdatedAt.In(cfg.Location()).Format(time.RFC3339))
		return nil
	},
}

// parsePeriod resolves a date or natural-language phrase to a period key in
// loc.
func parsePeriod(s string, now time.Time, loc *time.Location) (string, error) {
	if s == "" {
		return "", fmt.Errorf("--period is required")
	}
	if t, err := time.ParseInLocation(tracking.PeriodLayout, s, loc); err == nil {
		return t.Format(tracking.PeriodLayout), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now.In(loc))
	if err != nil {
		return "", fmt.Errorf("failed to parse period %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("could not understand period %q", s)
	}
	return r.Time.In(loc).Format(tracking.PeriodLayout), nil
}

func init() {
	trackingShowCmd.Flags().String("period", "", "Period date or phrase (required)")
	trackingCmd.AddCommand(trackingShowCmd)
	rootCmd.AddCommand(trackingCmd)
}
