// Package main is the gophbroker server binary.
//
// It serves the access broker HTTP API and carries the operational commands
// around it:
//
//	# Apply the database schema
//	gophbroker migrate up -d postgres://...
//
//	# Seed the first administrator
//	gophbroker admin create root -d postgres://...
//
//	# Start the server
//	gophbroker serve -d postgres://... -c config.yaml
//
// Without a database DSN the server runs on an in-memory store, which is
// only meant for local development:
//
//	gophbroker serve --dev-admin root:s3cret
package main

import (
	"cmp"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/config"
	"github.com/atinyakov/GophBroker/internal/logger"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

var rootCmd = &cobra.Command{
	Use:           "gophbroker",
	Short:         "Time-bounded access broker for vault secrets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Build version: %s\n", cmp.Or(version, "N/A"))
		fmt.Fprintf(cmd.OutOrStdout(), "Build date: %s\n", cmp.Or(buildDate, "N/A"))
	},
}

// options is bound to the persistent flags and completed by setup.
var options = config.RegisterFlags(rootCmd.PersistentFlags())

func init() {
	rootCmd.AddCommand(versionCmd)
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Options, *zap.Logger, error) {
	if err := options.Load(rootCmd.PersistentFlags()); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New()
	if err := log.Init(options.LogLevel); err != nil {
		return nil, nil, err
	}
	return options, log.Log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
