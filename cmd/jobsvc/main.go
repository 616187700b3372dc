package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/cmd/jobsvc/commands"
	"github.com/teranos/jobsvc/logger"
)

var rootCmd = &cobra.Command{
	Use:   "jobsvc",
	Short: "jobsvc - distributed timer and job scheduling service",
	Long: `jobsvc - distributed timer and job scheduling service.

Replicas share one SQLite database. The replica holding the heartbeat lease
fires timers and dispatches job payloads to HTTP or topic recipients.

Available commands:
  serve   - Run a replica (scheduler, heartbeat and management API)
  am      - Show configuration ("I am")
  jobs    - Inspect jobs in the shared database
  leader  - Show the current leadership lease
  db      - Manage the database schema
  version - Show build information

Examples:
  jobsvc serve                 # Run a replica with the resolved config
  jobsvc am show --format json # Show configuration as JSON
  jobsvc jobs ls --status RETRY
  jobsvc leader status`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Machine-readable commands keep stdout clean.
		if cmd.Parent() != nil && cmd.Parent().Name() == "am" && (cmd.Name() == "show" || cmd.Name() == "get") {
			return nil
		}
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		level := logger.VerbosityToLevel(verbosity, logger.ParseLevel(cfg.Log.Level))
		if err := logger.Initialize(cfg.Log.JSON, level.String()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output JSON instead of tables")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.LeaderCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
