package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/ui"
)

var lockCmd = &cobra.Command{
	Use:     "lock",
	GroupID: "ops",
	Short:   "Inspect and release entity locks",
	Long: `Locks serialize exports, cleanups and folds of one entity family. A lock
is never expired automatically: one held past lock.stale_after is reported
as stuck, and an operator releases it once the holder is known to be gone.`,
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks",
	Args:  cobra.NoArgs,
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
		if len(infos) == 0 {
			fmt.Println(ui.RenderMuted("No locks held."))
			return nil
		}
		fmt.Println(lockTable(infos))
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Release a stuck lock",
	Long: `Release a lock held past lock.stale_after. --force releases a lock that
is not yet stuck. Make sure the holder shown is really gone: releasing a
live holder's lock lets two processes export the same entity.

Asks for confirmation when stdin is a terminal; pass --yes otherwise.

Examples:
  opsync lock release export-jobs
  opsync lock release export-jobs --force --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")
		resource := args[0]

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
		var held *lock.Info
		for i := range infos {
			if infos[i].Resource == resource {
				held = &infos[i]
			}
		}
		if held == nil {
			fmt.Printf("%s %s is not held\n", ui.RenderMuted("●"), resource)
			return nil
		}
		if !held.Stuck && !force {
			return fmt.Errorf("%s is held by %s for %s and not stuck yet (use --force)",
				resource, held.Holder, ui.Duration(held.Age))
		}

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("refusing to release %s without --yes when stdin is not a terminal", resource)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Release %s?", resource)).
				Description(fmt.Sprintf("Held by %s on %s (pid %d) for %s.", held.Holder, held.Host, held.PID, ui.Duration(held.Age))).
				Affirmative("Release").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		removed, err := a.locks.ForceRelease(ctx, resource)
		if err != nil {
			return err
		}
		if removed == nil {
			fmt.Printf("%s %s was released meanwhile\n", ui.RenderMuted("●"), resource)
			return nil
		}
		fmt.Printf("%s Released %s (held by %s for %s)\n", ui.RenderPass("✓"), resource, removed.Holder, ui.Duration(removed.Age))
		return nil
	},
}

func lockTable(infos []lock.Info) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		state := ui.RenderPass("held")
		if info.Stuck {
			state = ui.RenderFail("stuck")
		}
		rows = append(rows, []string{
			info.Resource, state, info.Holder, info.Host, strconv.Itoa(info.PID),
			info.AcquiredAt.Local().Format("2006-01-02 15:04:05"), ui.Duration(info.Age),
		})
	}
	return ui.Table([]string{"RESOURCE", "STATE", "HOLDER", "HOST", "PID", "ACQUIRED", "AGE"}, rows)
}

func init() {
	lockReleaseCmd.Flags().Bool("force", false, "Release even if the lock is not stuck")
	lockReleaseCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	lockCmd.AddCommand(lockListCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	rootCmd.AddCommand(lockCmd)
}
