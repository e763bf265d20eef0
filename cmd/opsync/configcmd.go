package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration (defaults, file, env, flags)",
	Long: `Print the configuration after defaults, the config file, OPSYNC_*
environment variables and flags are merged. The output is a valid config
file in the chosen format.

Examples:
  opsync config show > opsync.yaml
  opsync config show --format toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return cfg.Encode(os.Stdout, format)
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format (yaml|toml)")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
