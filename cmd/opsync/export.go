package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/export"
	"github.com/fieldops/opsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <entity>",
	GroupID: "sync",
	Short:   "Export pending records of one entity",
	Long: `Export pending records of one entity into the relational store, batch
after batch until the backlog is drained (or --once for a single batch).

Entities: clients, divisions, timetypes, profiles, jobs, timesheets,
timeamendments, expenses, invoices.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		ent, err := export.Lookup(export.DefaultEntities(), args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		exp, err := a.exporter()
		if err != nil {
			return err
		}

		var results []*export.Result
		if once {
			var res *export.Result
			res, err = exp.Export(ctx, ent)
			if res != nil {
				results = append(results, res)
			}
		} else {
			results, err = exp.Drain(ctx, ent)
		}
		printBatches(results)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), ent.Name, summarize(results))
		return nil
	},
}

func printBatches(results []*export.Result) {
	for _, r := range results {
		if r.Selected == 0 {
			continue
		}
		fmt.Printf("  batch %s: %s\n", ui.RenderMuted(r.Batch), summarize(r))
		for _, s := range r.Skipped {
			fmt.Printf("    %s %s: %s\n", ui.RenderWarn("skipped"), s.ID, s.Reason)
		}
	}
}

var cleanupCmd = &cobra.Command{
	Use:     "cleanup <entity>",
	GroupID: "sync",
	Short:   "Recover exports abandoned by a failure",
	Long: `Find records of one entity left EXPORT_IN_PROGRESS by a failed export,
delete the relational rows they may have produced and return them to
pending so the next export writes them again. With nothing to recover this
changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ent, err := export.Lookup(export.DefaultEntities(), args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		exp, err := a.exporter()
		if err != nil {
			return err
		}
		res, err := exp.Cleanup(ctx, ent)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), ent.Name, summarize(res))
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:     "requeue <entity>",
	GroupID: "sync",
	Short:   "Return skipped records to the export queue",
	Long: `Records that cannot be mapped (a missing uid, an unparseable date) are
marked EXPORT_SKIPPED with the reason and left out of later exports. Once
they are corrected, requeue returns them to pending so the next export tries
them again. 'opsync status' shows how many are skipped per entity.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ent, err := export.Lookup(export.DefaultEntities(), args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		exp, err := a.exporter()
		if err != nil {
			return err
		}
		n, err := exp.Requeue(ctx, ent)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), ent.Name, ui.Counts("requeued", n))
		return nil
	},
}

func init() {
	exportCmd.Flags().Bool("once", false, "Run a single batch")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(requeueCmd)
}
