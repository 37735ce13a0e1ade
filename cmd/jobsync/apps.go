package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
)

var appsCmd = &cobra.Command{
	Use:     "apps",
	Aliases: []string{"applications"},
	Short:   "Manage job applications",
	Long: `Apps reads and writes records in the local database. Writes are
pushed to the remote store in the background when you are signed in.

Use --table to work with another synced table, e.g. goals.`,
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runAppsList,
}

var appsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a record",
	Example: `  jobsync apps add --company Acme --position "Backend Engineer"
  jobsync apps add --company Acme --position SRE --status interview --set referral=Jane
  jobsync apps add --table goals --set title="Ten applications" --set targetCount=10`,
	Args: cobra.NoArgs,
	RunE: runAppsAdd,
}

var appsUpdateCmd = &cobra.Command{
	Use:     "update <id>",
	Short:   "Change fields of a record",
	Example: `  jobsync apps update 3f2c... --status offer --unset salary`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAppsUpdate,
}

var appsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppsDelete,
}

var (
	appsTable string
	appsSet   []string
	appsUnset []string
)

// Flags mapped onto application fields.
var appFieldFlags = map[string]string{
	"company":      "company",
	"position":     "position",
	"status":       "status",
	"location":     "location",
	"salary":       "salary",
	"url":          "url",
	"notes":        "notes",
	"date-applied": "dateApplied",
}

func init() {
	rootCmd.AddCommand(appsCmd)
	appsCmd.AddCommand(appsListCmd, appsAddCmd, appsUpdateCmd, appsDeleteCmd)

	appsCmd.PersistentFlags().StringVar(&appsTable, "table", schema.Applications,
		"Table to operate on")

	for _, cmd := range []*cobra.Command{appsAddCmd, appsUpdateCmd} {
		for flag, field := range appFieldFlags {
			cmd.Flags().String(flag, "", fmt.Sprintf("Set %s", field))
		}
		cmd.Flags().StringArrayVar(&appsSet, "set", nil,
			"Set an arbitrary field as key=value (repeatable)")
	}
	appsUpdateCmd.Flags().StringArrayVar(&appsUnset, "unset", nil,
		"Remove a field (repeatable)")
}

// fieldsFromFlags collects the fields given on the command line.
func fieldsFromFlags(flags *pflag.FlagSet) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	for flag, field := range appFieldFlags {
		if flags.Changed(flag) {
			v, _ := flags.GetString(flag)
			fields[field] = v
		}
	}
	for _, kv := range appsSet {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", kv)
		}
		fields[key] = value
	}
	return fields, nil
}

func runAppsList(cmd *cobra.Command, args []string) error {
	records, err := apiClient.Sync.List(cmd.Context(), appsTable)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(records)
		return nil
	}

	if len(records) == 0 {
		printInfo("No records in %s", appsTable)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if appsTable == schema.Applications {
		fmt.Fprintln(w, "ID\tCOMPANY\tPOSITION\tSTATUS\tUPDATED\tSYNC")
		for _, rec := range records {
			app := models.ApplicationFromRecord(rec)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(rec.ID), app.Company, app.Position, app.Status,
				formatTime(rec.UpdatedAt), syncMark(rec))
		}
	} else {
		fmt.Fprintln(w, "ID\tUPDATED\tSYNC\tFIELDS")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
				shortID(rec.ID), formatTime(rec.UpdatedAt), syncMark(rec), len(rec.Fields))
		}
	}
	return w.Flush()
}

func runAppsAdd(cmd *cobra.Command, args []string) error {
	fields, err := fieldsFromFlags(cmd.Flags())
	if err != nil {
		return err
	}

	rec, err := apiClient.Sync.Create(cmd.Context(), appsTable, fields)
	if err != nil {
		return reportWriteError("Add", err)
	}

	if jsonOutput {
		printJSON(rec)
	} else {
		printSuccess("Added %s", rec.ID)
	}
	return nil
}

func runAppsUpdate(cmd *cobra.Command, args []string) error {
	changes, err := fieldsFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	for _, key := range appsUnset {
		changes[key] = nil
	}
	if len(changes) == 0 {
		return fmt.Errorf("nothing to update")
	}

	id, err := resolveID(cmd, args[0])
	if err != nil {
		return err
	}

	rec, err := apiClient.Sync.Update(cmd.Context(), appsTable, id, changes)
	if err != nil {
		return reportWriteError("Update", err)
	}

	if jsonOutput {
		printJSON(rec)
	} else {
		printSuccess("Updated %s", rec.ID)
	}
	return nil
}

func runAppsDelete(cmd *cobra.Command, args []string) error {
	id, err := resolveID(cmd, args[0])
	if err != nil {
		return err
	}

	if err := apiClient.Sync.Delete(cmd.Context(), appsTable, id); err != nil {
		return reportWriteError("Delete", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "id": id})
	} else {
		printSuccess("Deleted %s", id)
	}
	return nil
}

// reportWriteError prints validation problems one per line.
func reportWriteError(action string, err error) error {
	if jsonOutput {
		out := map[string]interface{}{"success": false, "error": err.Error(), "kind": models.KindOf(err).String()}
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			out["problems"] = verr.Problems
		}
		printJSON(out)
		return err
	}

	var verr *models.ValidationError
	if errors.As(err, &verr) {
		printError("%s failed:", action)
		for _, p := range verr.Problems {
			fmt.Fprintf(os.Stderr, "  - %s\n", p)
		}
		return err
	}
	printError("%s failed: %v", action, err)
	return err
}

// resolveID accepts a full id or a unique prefix of one, as printed by list.
func resolveID(cmd *cobra.Command, id string) (string, error) {
	if _, err := apiClient.Sync.Get(cmd.Context(), appsTable, id); err == nil {
		return id, nil
	} else if !errors.Is(err, models.ErrRecordNotFound) {
		return "", err
	}

	records, err := apiClient.Sync.List(cmd.Context(), appsTable)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, rec := range records {
		if strings.HasPrefix(rec.ID, id) {
			matches = append(matches, rec.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s %s: %w", appsTable, id, models.ErrRecordNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id prefix %q is ambiguous (%d matches)", id, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func syncMark(rec models.Record) string {
	if rec.Synced {
		return color.GreenString("synced")
	}
	return color.YellowString("pending")
}
