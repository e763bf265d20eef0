package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/ingest"
	"github.com/fieldops/opsync/internal/ui"
)

var ingestCmd = &cobra.Command{
	Use:     "ingest <file> [collection]",
	GroupID: "sync",
	Short:   "Load a JSONL feed into a staging collection",
	Long: `Load a JSONL feed file into the primary store, replacing the whole
collection. The collection defaults to the file name without .jsonl.
Records absent from the file are removed after the new ones are written.

Examples:
  opsync ingest feeds/jobsWriteback.jsonl
  opsync ingest export.jsonl profilesStaging`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		collection, ok := ingest.CollectionFor(path)
		if len(args) == 2 {
			collection, ok = args[1], true
		}
		if !ok {
			return fmt.Errorf("cannot derive a collection from %s (name the collection explicitly)", path)
		}

		docs, err := ingest.ReadJSONL(path, ingest.Options{
			IDField:    cfg.Ingest.IDField,
			TimeFields: cfg.Ingest.TimeFields,
		})
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := ingest.ReplaceCollection(ctx, a.store, collection, docs)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), res.Collection,
			ui.Counts("written", res.Written, "deleted", res.Deleted))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
