package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/daemon"
	"github.com/fieldops/opsync/internal/dashboard"
	"github.com/fieldops/opsync/internal/ingest"
	"github.com/fieldops/opsync/internal/logging"
	"github.com/fieldops/opsync/internal/orchestrator"
	"github.com/fieldops/opsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Run one sync cycle: fold, cleanup, export, writeback.

A step that fails is reported and the cycle continues; the next cycle picks
up whatever was left behind. The exit status is non-zero when any step
failed. Steps whose entity lock is held by another process are skipped.

Examples:
  opsync sync                        # full cycle
  opsync sync --dry-run              # show fold decisions, write nothing
  opsync sync --only export          # export stage only
  opsync sync --only cleanup,export`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		only, _ := cmd.Flags().GetStringSlice("only")

		var stages []orchestrator.Stage
		for _, s := range only {
			st, err := orchestrator.ParseStage(s)
			if err != nil {
				return err
			}
			stages = append(stages, st)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		orch, err := a.orchestrator(dryRun, stages, nil)
		if err != nil {
			return err
		}
		report, err := orch.RunCycle(ctx)
		if report != nil {
			printReport(os.Stdout, report)
		}
		if err != nil {
			return err
		}
		if n := len(report.Failures()); n > 0 {
			return fmt.Errorf("%d steps failed", n)
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run sync cycles on a schedule (foreground)",
	Long: `Run sync cycles at each schedule.cron expression, evaluated in
schedule.time_zone. A scheduled cycle is skipped while the previous one is
still running.

When ingest.dir is set, staging feeds dropped there (<collection>.jsonl) are
loaded as they arrive. When dashboard.port is set, cycle events are
broadcast over WebSocket at ws://host:port/ws and the last cycle report is
served at /status.

Stop with Ctrl+C; a running cycle is cancelled and waited for.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runNow, _ := cmd.Flags().GetBool("run-now")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		var (
			server   *dashboard.Server
			notifier orchestrator.Notifier
		)
		if cfg.Dashboard.Port > 0 {
			server = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logging.Component(logger, "dashboard"),
			})
			notifier = dashboard.NewHandler(server)
		}

		orch, err := a.orchestrator(false, nil, notifier)
		if err != nil {
			return err
		}

		if server != nil {
			server.SetStatus(orch.LastReport)
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			fmt.Printf("%s Dashboard on ws://%s/ws\n", ui.RenderAccent("●"), server.GetAddr())
		}

		var watcher *daemon.Watcher
		if cfg.Ingest.Dir != "" {
			watcher, err = daemon.NewWatcher(cfg.Ingest.Dir, a.store, daemon.WatcherConfig{
				Debounce: cfg.Ingest.Debounce,
				Options: ingest.Options{
					IDField:    cfg.Ingest.IDField,
					TimeFields: cfg.Ingest.TimeFields,
				},
				Logger: logging.Component(logger, "ingest"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Watching %s for staging feeds\n", ui.RenderAccent("●"), cfg.Ingest.Dir)
		}

		d, err := daemon.NewWithConfig(orch, watcher, &daemon.Config{
			Schedules:  cfg.Schedule.Cron,
			Location:   cfg.ScheduleLocation(),
			RunOnStart: runNow,
			Logger:     logging.Component(logger, "daemon"),
		})
		if err != nil {
			return err
		}

		for _, next := range d.Next(time.Now()) {
			fmt.Printf("%s Next cycle %s\n", ui.RenderAccent("●"), next.Format("Mon 2006-01-02 15:04 MST"))
		}
		fmt.Println("\nPress Ctrl+C to stop")

		return d.Run(ctx)
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "Compute fold decisions without writing")
	syncCmd.Flags().StringSlice("only", nil, "Run only these stages (fold, cleanup, export, writeback)")
	rootCmd.AddCommand(syncCmd)

	daemonCmd.Flags().Bool("run-now", false, "Run one cycle immediately")
	rootCmd.AddCommand(daemonCmd)
}
