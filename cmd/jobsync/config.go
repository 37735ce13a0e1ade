package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/jobsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding every default",
	Example: `  jobsync config init
  jobsync config init ~/.config/jobsync/config.yaml`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{noClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "jobsync.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.SaveExample(path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "path": path})
		} else {
			printSuccess("Wrote %s", path)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration",
	Annotations: map[string]string{noClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.APIKey != "" {
			shown.Remote.APIKey = "********"
		}
		if shown.Remote.DatabaseURL != "" {
			shown.Remote.DatabaseURL = "********"
		}
		printJSON(shown)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
