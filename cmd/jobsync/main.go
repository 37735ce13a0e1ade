package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/jobsync/internal/client"
	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/events"
)

var (
	cfgFile    string
	envFile    string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

// shutdownTimeout bounds how long pending pushes may delay exit.
const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "jobsync",
	Short: "Offline-first job application tracker with cloud sync",
	Long: `jobsync keeps your job applications in a local database and syncs
them with a hosted store when you are signed in.

Every command works offline. Changes are pushed in the background and
pulled back on the next read.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default searches ./jobsync.yaml and ~/.config/jobsync)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Dotenv file read before the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

// noClient marks commands that must run without opening the local store.
const noClient = "no-client"

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.NewLoader(cfgFile).WithEnvFile(envFile).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if jsonOutput {
		cfg.Log.Color = false
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)
	cmd.SetContext(events.WithLogger(cmd.Context(), logger))

	if _, skip := cmd.Annotations[noClient]; skip {
		return nil
	}

	apiClient, err = client.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("open jobsync: %w", err)
	}
	return nil
}

func teardown() error {
	var err error
	if apiClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = apiClient.Close(ctx)
		apiClient = nil
	}
	if logger != nil {
		_ = logger.Close()
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_ = teardown()
		os.Exit(1)
	}
}

// Output helpers

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, format+"\n", args...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}
