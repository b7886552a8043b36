package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dealsync/dealsync/internal/config"
	"github.com/dealsync/dealsync/internal/protocol"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dealsync",
	Short: "Real-time collaborative synchronization for CRM records",
	Long: `dealsync keeps CRM records synchronized across clients in real time.

Everyone who joins a record's session shares a conflict-free document:
record fields, collaborative notes, and an activity feed converge on
every client no matter what order changes arrive in, and each client
sees who else is viewing the record. Record changes reconcile with the
CRM store in the background; work done offline queues durably and
replays when connectivity returns.

Configuration is read from dealsync.yaml (working directory,
~/.config/dealsync, or /etc/dealsync) and DEALSYNC_* environment
variables. Flags override both.`,
	Version:       protocol.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: search for dealsync.yaml)")
	rootCmd.SetVersionTemplate("dealsync {{.Version}}\n")

	// Command groups
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

// loadConfig reads file/env configuration for one command invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
