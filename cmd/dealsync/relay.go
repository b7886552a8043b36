package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dealsync/dealsync/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "sync",
	Short:   "Run a synchronization relay",
	Long: `Run the websocket relay that fans document changes and presence
between the clients of each session.

The relay keeps an authoritative copy of every session's document, so a
client that was away converges from a single state exchange when it
returns. It never interprets record semantics and never talks to the
CRM store.

Example usage:
  dealsync relay                        # Listen on the default port 8737
  dealsync relay --port 9000            # Listen on a custom port
  dealsync relay --policy policy.toml   # Restrict namespaces and entity types
  dealsync relay --history relay.db     # Persist documents across restarts
  dealsync relay --advertise            # Announce on the local network (mDNS)

Policy files are TOML and reload when the file changes:
  max_clients_per_session = 8
  namespaces = ["crm"]
  entity_types = ["deal", "contact", "company"]`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		port, _ := cmd.Flags().GetInt("port")
		policyPath, _ := cmd.Flags().GetString("policy")
		historyPath, _ := cmd.Flags().GetString("history")
		advertise, _ := cmd.Flags().GetBool("advertise")
		logFile, _ := cmd.Flags().GetString("log-file")

		// Config file values apply where flags were left alone.
		if !cmd.Flags().Changed("port") {
			port = cfg.Relay.Port
		}
		if !cmd.Flags().Changed("policy") {
			policyPath = cfg.Relay.Policy
		}
		if !cmd.Flags().Changed("history") {
			historyPath = cfg.Relay.History
		}
		if !cmd.Flags().Changed("advertise") {
			advertise = cfg.Relay.Advertise
		}
		if !cmd.Flags().Changed("log-file") {
			logFile = cfg.Relay.LogFile
		}

		logger := log.New(os.Stderr, "[relay] ", log.LstdFlags)
		if logFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    50, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			}, "[relay] ", log.LstdFlags)
		}

		server, err := relay.NewServer(&relay.Config{
			Port:        port,
			PolicyPath:  policyPath,
			HistoryPath: historyPath,
			Advertise:   advertise,
			Logger:      logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create relay: %v\n", err)
			os.Exit(1)
		}
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start relay: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Relay listening on %s\n", server.URL())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		// Wait for interrupt signal
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Relay stopped")
	},
}

func init() {
	relayCmd.Flags().IntP("port", "p", 8737, "Port to listen on")
	relayCmd.Flags().String("policy", "", "TOML policy file (hot-reloaded on change)")
	relayCmd.Flags().String("history", "", "SQLite file persisting session documents across restarts")
	relayCmd.Flags().Bool("advertise", false, "Advertise the relay on the local network over mDNS")
	relayCmd.Flags().String("log-file", "", "Write logs to this file (with rotation) instead of stderr")

	rootCmd.AddCommand(relayCmd)
}
