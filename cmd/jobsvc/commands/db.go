package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobsvc/db"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the jobsvc database",
	Long: sym.DB + ` db — Manage the jobsvc database

Examples:
  jobsvc db migrate               # Apply pending migrations
  jobsvc db versions              # List applied migrations`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := db.AppliedVersions(database)
		if err != nil {
			return errors.Wrap(err, "failed to read applied migrations")
		}
		pterm.Success.Printf("Schema up to date (%d migrations applied)\n", len(applied))
		return nil
	},
}

var dbVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := db.AppliedVersions(database)
		if err != nil {
			return errors.Wrap(err, "failed to read applied migrations")
		}
		for _, v := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbVersionsCmd)
}
