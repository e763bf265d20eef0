package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/fold"
	"github.com/fieldops/opsync/internal/ui"
)

var foldCmd = &cobra.Command{
	Use:     "fold",
	GroupID: "sync",
	Short:   "Inspect staging folds",
}

var foldPreviewCmd = &cobra.Command{
	Use:   "preview <family>",
	Short: "Show what folding a family would do, without writing",
	Long: `Compute the decision for every staging record of a family and print
it: create, replace (with the changed fields) or conflict (with the reason).
Nothing is written and no lock is taken.

Examples:
  opsync fold preview jobs
  opsync fold preview profiles --changes-only`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changesOnly, _ := cmd.Flags().GetBool("changes-only")

		fam, ok := fold.Find(cfg.Families, args[0])
		if !ok {
			return fmt.Errorf("unknown family %q", args[0])
		}

		ctx := context.Background()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		folder, err := a.folder(true)
		if err != nil {
			return err
		}
		res, err := folder.Fold(ctx, fam)
		if err != nil {
			return err
		}

		var rows [][]string
		for _, out := range res.Decisions {
			row := decisionRow(out)
			if changesOnly && row[1] == "unchanged" {
				continue
			}
			rows = append(rows, row)
		}

		fmt.Printf("\n%s Fold preview: %s (%s → %s)\n\n", ui.RenderAccent("●"), fam.Name, fam.Staging, fam.Dest)
		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("No staging records."))
			return nil
		}
		fmt.Println(ui.Table([]string{"STAGING", "DECISION", "DEST", "DETAIL"}, rows))
		fmt.Fprintf(os.Stdout, "\n%s\n", ui.Counts("create", res.Created, "replace", res.Replaced,
			"unchanged", res.Unchanged, "conflict", len(res.Conflicts), "invalid", len(res.Invalid)))
		return nil
	},
}

func decisionRow(out fold.Outcome) []string {
	switch d := out.Decision.(type) {
	case *fold.Create:
		return []string{out.StagingID, ui.RenderPass("create"), d.DestID, ""}
	case *fold.Replace:
		if d.Diff.Empty() {
			return []string{out.StagingID, "unchanged", d.DestID, ""}
		}
		return []string{out.StagingID, ui.RenderWarn("replace"), d.DestID, strings.Join(d.Diff.Keys(), ", ")}
	case *fold.Conflict:
		return []string{out.StagingID, ui.RenderFail("conflict"), "", d.Reason}
	default:
		return []string{out.StagingID, ui.RenderFail("invalid"), "", fmt.Sprint(out.Err)}
	}
}

func init() {
	foldPreviewCmd.Flags().Bool("changes-only", false, "Hide unchanged records")
	foldCmd.AddCommand(foldPreviewCmd)
	rootCmd.AddCommand(foldCmd)
}
