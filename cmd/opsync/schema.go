package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/opsync/internal/reldb"
	"github.com/fieldops/opsync/internal/ui"
)

var schemaCmd = &cobra.Command{
	Use:     "schema",
	GroupID: "setup",
	Short:   "Manage the relational schema",
}

var schemaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the relational tables",
	Long: `Create the reporting tables in the relational store. Existing tables
are left alone, so running it twice is harmless.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := reldb.Open(cfg.Relational.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := db.Ping(ctx, 10*time.Second); err != nil {
			return err
		}
		if err := db.InitSchemaContext(ctx); err != nil {
			return err
		}
		fmt.Printf("%s Schema ready (%s)\n", ui.RenderPass("✓"), db.Driver())
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaInitCmd)
	rootCmd.AddCommand(schemaCmd)
}
