package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/config"
	"github.com/fieldops/opsync/internal/logging"
	"github.com/fieldops/opsync/internal/ui"
)

var (
	cfgFile  string
	settings = config.New()
	cfg      *config.Config
	logger   *slog.Logger
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "opsync",
	Short: "Sync field operations records into the reporting database",
	Long: `opsync keeps the reporting database in step with the operational
document store.

Each sync cycle:
  1. Folds staging feeds (clientsWriteback, jobsWriteback, ...) into their
     canonical collections
  2. Recovers exports abandoned by an earlier failure
  3. Exports finalized records (time sheets, expenses, invoices, ...) in
     batches
  4. Writes job hour totals back onto the job documents

Run one cycle with 'opsync sync' or schedule them with 'opsync daemon'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(os.Stdout)

		loaded, err := config.Load(settings, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		l, closer, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return err
		}
		logger, closeLog = l, closer
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default opsync.yaml or opsync.toml in . or ~/.config/opsync)")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("primary", "", "Primary store path (sqlite driver)")
	pf.String("relational", "", "Relational store DSN (path, file: URI or libsql:// URL)")

	for flag, key := range map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
		"primary":    "primary.path",
		"relational": "relational.dsn",
	} {
		_ = settings.BindPFlag(key, pf.Lookup(flag))
	}
}
