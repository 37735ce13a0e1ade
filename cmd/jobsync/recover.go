package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/recovery"
	"github.com/TheMichaelB/jobsync/internal/schema"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save a recovery snapshot of your applications",
	Long: `Snapshot writes every application to a local snapshot file and a
backup row. When signed in, the backup row is also pushed to the remote store.`,
	Args: cobra.NoArgs,
	RunE: runSnapshot,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore applications from a snapshot or backup",
	Long: `Recover lists the data sets that can restore your applications,
newest first. Pass --option to replace the local applications with one of them.`,
	Example: `  jobsync recover
  jobsync recover --option primary
  jobsync recover --option backup-7f3a... --yes`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import applications from a JSON export",
	Long: `Import adds records from a JSON array or an export bundle with an
"applications" key. Invalid records are reported and skipped; records
that already exist are left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var (
	snapshotLabel  string
	recoverOption  string
	recoverConfirm bool
)

func init() {
	rootCmd.AddCommand(snapshotCmd, recoverCmd, importCmd)

	snapshotCmd.Flags().StringVarP(&snapshotLabel, "label", "l", "",
		"Label stored with the backup row")
	recoverCmd.Flags().StringVarP(&recoverOption, "option", "o", "",
		"Recovery option id to restore")
	recoverCmd.Flags().BoolVarP(&recoverConfirm, "yes", "y", false,
		"Do not ask for confirmation")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	report, pushes, err := apiClient.Snapshot(cmd.Context(), snapshotLabel)
	if errors.Is(err, recovery.ErrEmptySnapshot) && !jsonOutput {
		printWarning("No applications to snapshot")
		return nil
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"snapshot": report,
			"pushes":   pushes,
		})
		return nil
	}

	printSuccess("Saved %d application(s), checksum %s", report.Count, report.Checksum[:12])
	if report.Pruned > 0 {
		printInfo("Removed %d expired backup(s)", report.Pruned)
	}
	for _, res := range pushes {
		if res.OK() && !res.Skipped {
			printInfo("Backup copied to the remote store")
		}
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if recoverOption == "" {
		return listRecoveryOptions(cmd)
	}

	opt, err := apiClient.Recovery.FindOption(ctx, recoverOption)
	if err != nil {
		return fmt.Errorf("recovery option %s: %w", recoverOption, err)
	}

	local, err := apiClient.Sync.List(ctx, schema.Applications)
	if err != nil {
		return err
	}
	if len(local) > 0 && !recoverConfirm {
		ok, err := confirm(fmt.Sprintf("Replace %d local application(s) with %d from %q?",
			len(local), opt.Count, opt.Label))
		if err != nil {
			return err
		}
		if !ok {
			printInfo("Recovery cancelled")
			return nil
		}
	}

	report, err := apiClient.Recovery.PerformRecovery(ctx, opt)
	if jsonOutput {
		out := map[string]interface{}{"success": err == nil, "report": report}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			printError("Option %s cannot be restored:", opt.ID)
			for _, p := range verr.Problems {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
		}
		return err
	}

	printSuccess("Restored %d application(s) from %s", report.Imported, opt.Label)
	if report.Failed > 0 {
		printWarning("%d record(s) could not be restored", report.Failed)
	}
	return nil
}

func listRecoveryOptions(cmd *cobra.Command) error {
	options, err := apiClient.Recovery.GetRecoveryOptions(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		// Data is large and already summarized by Count.
		for i := range options {
			options[i].Data = nil
		}
		printJSON(options)
		return nil
	}

	if len(options) == 0 {
		printInfo("No recovery data found")
		return nil
	}

	needs, err := apiClient.Recovery.NeedsRecovery(cmd.Context())
	if err != nil {
		return err
	}
	if needs {
		printWarning("Your application list is empty but recovery data exists")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPTION\tSOURCE\tLABEL\tRECORDS\tSAVED")
	for _, o := range options {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", o.ID, o.Source, o.Label, o.Count, o.LastModifiedLabel())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	printInfo("\nRestore with: jobsync recover --option <OPTION>")
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	records, err := recovery.ParseRecords(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	report, err := apiClient.Recovery.Import(cmd.Context(), records)
	if jsonOutput {
		out := map[string]interface{}{"success": err == nil, "report": report}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}

	for _, p := range report.Problems {
		printWarning("  %s", p)
	}
	if err != nil {
		printError("Import failed: %v", err)
		return err
	}
	printSuccess("Imported %d, skipped %d existing, %d invalid", report.Added, report.Skipped, report.Failed)
	return nil
}

// confirm asks a yes/no question on the terminal. Without a terminal it refuses.
func confirm(question string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("confirmation required: rerun with --yes")
	}

	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
