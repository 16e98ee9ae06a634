package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/atinyakov/GophBroker/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long:  `Create, upgrade or roll back the database schema.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, _, err := setup()
		if err != nil {
			return err
		}
		if opts.DatabaseDSN == "" {
			return errNoDatabase
		}

		applied, err := db.MigrateUp(opts.DatabaseDSN)
		if err != nil {
			return err
		}
		if !applied {
			fmt.Fprintln(cmd.OutOrStdout(), "No migrations to run - database is up to date")
			return nil
		}
		return printVersion(cmd, opts.DatabaseDSN)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations",
	Long: `Roll back migrations.

Rolls back the given number of migrations (default: 1).

Example:
  gophbroker migrate down      # Roll back 1 migration
  gophbroker migrate down 2    # Roll back 2 migrations`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 1
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("steps must be a positive integer, got %q", args[0])
			}
			steps = n
		}

		opts, _, err := setup()
		if err != nil {
			return err
		}
		if opts.DatabaseDSN == "" {
			return errNoDatabase
		}

		if err := db.MigrateDown(opts.DatabaseDSN, steps); err != nil {
			return err
		}
		return printVersion(cmd, opts.DatabaseDSN)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current migration version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, _, err := setup()
		if err != nil {
			return err
		}
		if opts.DatabaseDSN == "" {
			return errNoDatabase
		}
		return printVersion(cmd, opts.DatabaseDSN)
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func printVersion(cmd *cobra.Command, dsn string) error {
	version, dirty, err := db.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}
