package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/dealsync/dealsync/internal/engine"
	"github.com/dealsync/dealsync/internal/queue"
	"github.com/dealsync/dealsync/internal/record"
	"github.com/dealsync/dealsync/internal/resolve"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "maint",
	Short:   "Inspect and flush the offline operation queue",
	Long: `Operations that cannot reach the CRM store queue durably on disk and
replay in order when connectivity returns. These commands inspect and
flush that queue.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	Long: `List operations waiting to replay against the CRM store.

--since accepts natural language as well as RFC 3339:
  dealsync queue list --since "2 hours ago"
  dealsync queue list --since yesterday
  dealsync queue list --since 2026-08-20T00:00:00Z`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path, _ := cmd.Flags().GetString("queue")
		if path == "" {
			path = cfg.QueuePath
		}
		sinceStr, _ := cmd.Flags().GetString("since")
		var since time.Time
		if sinceStr != "" {
			since, err = parseSince(sinceStr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		o, err := queue.Open(queue.Config{Path: path, Logger: log.New(io.Discard, "", 0)})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open queue: %v\n", err)
			os.Exit(1)
		}
		defer o.Close()

		ops, err := o.Pending(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read queue: %v\n", err)
			os.Exit(1)
		}
		if len(ops) == 0 {
			fmt.Println("Offline queue is empty.")
			return
		}
		if !since.IsZero() {
			filtered := ops[:0]
			for _, op := range ops {
				if op.EnqueuedAt.After(since) {
					filtered = append(filtered, op)
				}
			}
			if len(filtered) == 0 {
				fmt.Printf("No operations queued since %s.\n", since.Format(time.RFC3339))
				return
			}
			ops = filtered
		}

		fmt.Println(renderOps(ops))
		fmt.Printf("%d operation(s) pending. Run 'dealsync queue drain' to replay them.\n", len(ops))
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued operations against the CRM store",
	Long: `Replay every queued operation, oldest first. Operations for the same
record stay in order: a failure parks the record's whole run until the
next drain. Conflicts resolve with the configured strategy; with
--strategy prompt each conflict is settled interactively.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path, _ := cmd.Flags().GetString("queue")
		if path == "" {
			path = cfg.QueuePath
		}
		apiURL, _ := cmd.Flags().GetString("api")
		if apiURL == "" {
			apiURL = cfg.APIURL
		}
		strategy, _ := cmd.Flags().GetString("strategy")
		if strategy == "" {
			strategy = cfg.Strategy
		}
		verbose, _ := cmd.Flags().GetBool("verbose")

		logWriter := io.Discard
		if verbose {
			logWriter = os.Stderr
		}
		logger := log.New(logWriter, "[dealsync] ", log.LstdFlags)

		eng, err := engine.New(&engine.Config{
			Store:           record.NewHTTPStore(apiURL, logger),
			QueuePath:       path,
			EntityTypes:     cfg.EntityTypes,
			DefaultStrategy: resolve.Strategy(strategy),
			PromptFunc:      promptResolution(),
			Logger:          logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Stop()

		unsub := eng.Subscribe(func(ev engine.Event) {
			if ex, ok := ev.(engine.QueueExhaustedEvent); ok {
				fmt.Fprintf(os.Stderr, "Dropped %s of %s/%s: %v\n",
					ex.Op.Kind, ex.Op.EntityType, ex.Op.EntityID, ex.Err)
			}
		})
		defer unsub()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		n, err := eng.QueueLen(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read queue: %v\n", err)
			os.Exit(1)
		}
		if n == 0 {
			fmt.Println("Offline queue is empty.")
			return
		}

		fmt.Printf("Replaying %d queued operation(s) against %s...\n", n, apiURL)
		stats, err := eng.Flush(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: drain aborted: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Applied %d, kept %d, dropped %d.\n", stats.Applied, stats.Kept, stats.Dropped)
		if stats.Kept > 0 {
			fmt.Println("Kept operations stay queued and retry on the next drain.")
		}
	},
}

func init() {
	queueCmd.PersistentFlags().String("queue", "", "Queue database file (default from config)")
	queueListCmd.Flags().String("since", "", "Only operations queued after this time (natural language or RFC 3339)")
	queueDrainCmd.Flags().String("api", "", "CRM store base URL (default from config)")
	queueDrainCmd.Flags().String("strategy", "", "Conflict strategy: client-wins, server-wins, merge, prompt")
	queueDrainCmd.Flags().BoolP("verbose", "v", false, "Log replay detail to stderr")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}

// parseSince accepts RFC 3339 or natural language ("2 hours ago",
// "yesterday"). RFC 3339 is tried first; the natural-language rules
// would otherwise pick the clock time out of a timestamp and pin it to
// today.
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	if r, err := w.Parse(s, time.Now()); err == nil && r != nil {
		return r.Time, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q (try \"2 hours ago\" or RFC 3339)", s)
}

var (
	tableBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func renderOps(ops []queue.Op) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		Headers("KIND", "ENTITY", "RETRIES", "QUEUED")
	for _, op := range ops {
		t.Row(string(op.Kind), op.EntityType+"/"+op.EntityID,
			fmt.Sprintf("%d", op.RetryCount), humanAge(op.EnqueuedAt))
	}
	return t.Render()
}

func humanAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
