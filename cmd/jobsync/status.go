package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local tables, pending changes and the session",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all local data",
	Long: `Reset clears every local table. Records that were pushed can be
pulled again; pending changes are lost. Take a snapshot first if unsure.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

var resetConfirm bool

func init() {
	rootCmd.AddCommand(statusCmd, resetCmd)

	resetCmd.Flags().BoolVarP(&resetConfirm, "yes", "y", false,
		"Do not ask for confirmation")
}

func runStatus(cmd *cobra.Command, args []string) error {
	tables, err := apiClient.Sync.Status(cmd.Context())
	if err != nil {
		return err
	}

	session := "signed out"
	if token, err := apiClient.Auth.Token(); err == nil {
		session = "signed in as " + token.Email
	}
	if apiClient.Offline() {
		session = "offline (no remote configured)"
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"session": session,
			"tables":  tables,
			"cache":   apiClient.Sync.CacheStats(),
		})
		return nil
	}

	printInfo("Session: %s", session)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tRECORDS\tPENDING\tCONFLICTS\tLAST PULL")
	for _, t := range tables {
		lastPull := "-"
		if t.Refresh != nil {
			lastPull = formatTime(t.Refresh.LastAttempt)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", t.Table, t.Records, t.Pending, t.Conflicts, lastPull)
	}
	return w.Flush()
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		ok, err := confirm("Delete all local data?")
		if err != nil {
			return err
		}
		if !ok {
			printInfo("Reset cancelled")
			return nil
		}
	}

	if err := apiClient.Sync.Reset(cmd.Context()); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
	} else {
		printSuccess("Local data cleared")
	}
	return nil
}
