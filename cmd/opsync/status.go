package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/export"
	"github.com/fieldops/opsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "ops",
	Short:   "Show held locks and the export backlog",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.locks.Inspect(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s Locks\n\n", ui.RenderAccent("●"))
		if len(infos) == 0 {
			fmt.Println(ui.RenderMuted("No locks held."))
		} else {
			fmt.Println(lockTable(infos))
		}

		var rows [][]string
		for _, ent := range export.DefaultEntities() {
			b, err := export.CountBacklog(ctx, a.store, ent)
			if err != nil {
				return err
			}
			inProgress := strconv.Itoa(b.InProgress)
			if b.InProgress > 0 {
				inProgress = ui.RenderWarn(inProgress)
			}
			skipped := strconv.Itoa(b.Skipped)
			if b.Skipped > 0 {
				skipped = ui.RenderFail(skipped)
			}
			rows = append(rows, []string{b.Entity, strconv.Itoa(b.Pending), inProgress, skipped})
		}
		fmt.Printf("\n%s Export backlog\n\n", ui.RenderAccent("●"))
		fmt.Println(ui.Table([]string{"ENTITY", "PENDING", "IN PROGRESS", "SKIPPED"}, rows))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
