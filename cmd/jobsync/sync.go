package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/jobsync/internal/gateway"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/services/sync"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Refresh every synced table from the remote store",
	Long: `Pull replaces each local table with the remote copy. Local changes
that have not been pushed yet are kept.`,
	Args: cobra.NoArgs,
	RunE: runPull,
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send every pending local change to the remote store",
	Args:  cobra.NoArgs,
	RunE:  runPush,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Detect and resolve conflicts between local and remote records",
	Long: `Reconcile pulls each table, compares it with the local copy and
resolves records edited on both sides with the chosen strategy:

  local-wins   keep the local values
  remote-wins  keep the remote values
  merge        combine notes and attachments, newest wins elsewhere
  manual       only report conflicts`,
	Example: `  jobsync reconcile
  jobsync reconcile --table applications --strategy remote-wins`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List records that differ locally and remotely",
	Args:  cobra.NoArgs,
	RunE:  runConflicts,
}

var (
	syncTable    string
	syncStrategy string
)

func init() {
	rootCmd.AddCommand(pullCmd, pushCmd, reconcileCmd, conflictsCmd)

	for _, cmd := range []*cobra.Command{pushCmd, reconcileCmd, conflictsCmd} {
		cmd.Flags().StringVar(&syncTable, "table", "",
			"Limit to one table (default all synced tables)")
	}
	reconcileCmd.Flags().StringVarP(&syncStrategy, "strategy", "s", "",
		"Conflict strategy (default from config)")
}

func tablesFor(flag string) []string {
	if flag != "" {
		return []string{flag}
	}
	return apiClient.Sync.SyncTables()
}

func warnOffline() {
	if !jsonOutput && (apiClient.Offline() || !apiClient.Auth.IsAuthenticated()) {
		printWarning("Not signed in to a remote store; nothing will be exchanged")
	}
}

func runPull(cmd *cobra.Command, args []string) error {
	warnOffline()

	statuses, err := apiClient.Sync.RefreshAll(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(statuses)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tRECORDS\tLAST PULL\tERROR")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Table, s.LastCount, formatTime(s.LastAttempt), s.LastError)
	}
	return w.Flush()
}

func runPush(cmd *cobra.Command, args []string) error {
	warnOffline()

	var all []gateway.Result
	for _, table := range tablesFor(syncTable) {
		results, err := apiClient.Sync.PushPending(cmd.Context(), table)
		if err != nil {
			return err
		}
		all = append(all, results...)
	}

	if jsonOutput {
		printJSON(all)
		return nil
	}

	if len(all) == 0 {
		printInfo("Nothing to push")
		return nil
	}

	failed := false
	for _, res := range all {
		switch {
		case res.Skipped:
			printWarning("%s: skipped (offline)", res.Table)
		case res.Err != nil:
			failed = true
			printError("%s %s: %v", res.Table, res.Op, res.Err)
		default:
			printSuccess("%s %s: %d pushed, %d failed, %d already present",
				res.Table, res.Op, res.Succeeded, res.Failed, res.Duplicates)
		}
		for _, w := range res.Warnings {
			printWarning("  %s", w)
		}
	}
	if failed {
		return fmt.Errorf("some pushes failed; records stay pending")
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	var strategy models.Strategy
	if syncStrategy != "" {
		var err error
		if strategy, err = models.ParseStrategy(syncStrategy); err != nil {
			return err
		}
	}
	warnOffline()

	done := make(chan struct{})
	defer close(done)
	if !jsonOutput {
		go watchEvents(apiClient.Sync.Engine(), done)
	}

	start := time.Now()
	var (
		reports []sync.Report
		err     error
	)
	if syncTable != "" {
		var report sync.Report
		report, err = apiClient.Sync.Reconcile(cmd.Context(), syncTable, strategy)
		if err == nil {
			reports = append(reports, report)
		}
	} else {
		reports, err = apiClient.Sync.ReconcileAll(cmd.Context(), strategy)
	}

	if jsonOutput {
		out := map[string]interface{}{
			"success": err == nil,
			"reports": reports,
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}

	fmt.Printf("\nReconciliation Summary:\n")
	for _, r := range reports {
		fmt.Printf("   %-12s local %d, remote %d, pulled %d, resolved %d, remaining %d\n",
			r.Table, r.Local, r.Remote, r.Pulled, r.ConflictsResolved, r.ConflictsRemaining)
	}
	fmt.Printf("   Duration: %s\n", time.Since(start).Round(time.Millisecond))

	if err != nil {
		return err
	}

	if remaining := len(apiClient.Sync.Conflicts()); remaining > 0 {
		printWarning("%d conflict(s) need manual resolution; rerun with --strategy", remaining)
		return nil
	}
	printSuccess("Reconciliation completed")
	return nil
}

func watchEvents(engine *sync.Engine, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-engine.Events():
			switch ev.Type {
			case sync.EventStarted:
				printInfo("Reconciling %s...", ev.Table)
			case sync.EventConflicts:
				if p := engine.GetProgress(); p != nil {
					printWarning("  %d conflict(s) in %s", p.Conflicts, ev.Table)
				}
			case sync.EventResolved:
				if ev.Conflict != nil {
					logger.WithFields(map[string]interface{}{
						"table": ev.Table,
						"id":    ev.Conflict.ID,
					}).Debug("Conflict resolved")
				}
			case sync.EventFailed:
				if ev.Error != nil {
					printError("  %s failed: %v", ev.Table, ev.Error)
				}
			}
		}
	}
}

func runConflicts(cmd *cobra.Command, args []string) error {
	warnOffline()

	for _, table := range tablesFor(syncTable) {
		if _, err := apiClient.Sync.DetectConflicts(cmd.Context(), table); err != nil {
			return err
		}
	}
	entries := apiClient.Sync.Conflicts()

	if jsonOutput {
		printJSON(entries)
		return nil
	}

	if len(entries) == 0 {
		printSuccess("No conflicts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tID\tFIELDS\tLOCAL UPDATED\tREMOTE UPDATED")
	for _, e := range entries {
		c := e.Conflict
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Table, shortID(c.ID), strings.Join(c.ConflictingFields, ","),
			formatTime(c.Local.UpdatedAt), formatTime(c.Remote.UpdatedAt))
	}
	return w.Flush()
}
