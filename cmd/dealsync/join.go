package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dealsync/dealsync/internal/conn"
	"github.com/dealsync/dealsync/internal/crdt"
	"github.com/dealsync/dealsync/internal/engine"
	"github.com/dealsync/dealsync/internal/record"
	"github.com/dealsync/dealsync/internal/resolve"
)

var joinCmd = &cobra.Command{
	Use:     "join <namespace>:<entityType>:<entityId>",
	GroupID: "sync",
	Short:   "Join a record's collaborative session",
	Long: `Join the collaborative session for one record and work on it live.

Everyone in the session shares the record's fields, its notes, and its
activity feed; changes converge on every client regardless of arrival
order, and the peer list shows who else is viewing the record. Field
changes reconcile with the CRM store in the background, queueing
durably while the store is unreachable.

Example usage:
  dealsync join crm:deal:8842
  dealsync join crm:deal:8842 --user alice
  dealsync join crm:deal:8842 --seed kickoff.yaml   # Seed initial values
  dealsync join crm:deal:8842 --discover            # Find a relay via mDNS
  dealsync join crm:deal:8842 --strategy prompt     # Settle conflicts by hand

Seed files are YAML:
  fields:
    stage: discovery
    amount: 12000
  notes: |
    Kickoff call scheduled for Thursday.

Inside the session, type 'help' for the command list.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		username, _ := cmd.Flags().GetString("user")
		strategy, _ := cmd.Flags().GetString("strategy")
		seedPath, _ := cmd.Flags().GetString("seed")
		relayURL, _ := cmd.Flags().GetString("relay")
		apiURL, _ := cmd.Flags().GetString("api")
		queuePath, _ := cmd.Flags().GetString("queue")
		discover, _ := cmd.Flags().GetBool("discover")
		verbose, _ := cmd.Flags().GetBool("verbose")

		if username == "" {
			username = os.Getenv("USER")
			if username == "" {
				username = "anonymous"
			}
		}
		if strategy == "" {
			strategy = cfg.Strategy
		}
		if relayURL == "" {
			relayURL = cfg.RelayURL
		}
		if apiURL == "" {
			apiURL = cfg.APIURL
		}
		if queuePath == "" {
			queuePath = cfg.QueuePath
		}

		if discover {
			fmt.Println("Looking for a relay on the local network...")
			found, err := discoverRelay(5 * time.Second)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			relayURL = found
			fmt.Printf("Discovered relay at %s\n", relayURL)
		}

		logWriter := io.Discard
		if verbose {
			logWriter = os.Stderr
		}
		logger := log.New(logWriter, "[dealsync] ", log.LstdFlags)

		u := newUI()
		eng, err := engine.New(&engine.Config{
			ClientID:             cfg.ClientID,
			RelayURL:             relayURL,
			Store:                record.NewHTTPStore(apiURL, logger),
			QueuePath:            queuePath,
			EntityTypes:          cfg.EntityTypes,
			DefaultStrategy:      resolve.Strategy(strategy),
			PromptFunc:           u.promptFunc(),
			DrainInterval:        cfg.DrainInterval,
			ReconnectBaseDelay:   cfg.Reconnect.BaseDelay,
			ReconnectMaxDelay:    cfg.Reconnect.MaxDelay,
			ReconnectMaxAttempts: cfg.Reconnect.MaxAttempts,
			AwarenessInterval:    cfg.Awareness.Interval,
			AwarenessTimeout:     cfg.Awareness.Timeout,
			Logger:               logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Stop()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var opts []engine.Option
		if cmd.Flags().Changed("strategy") {
			opts = append(opts, engine.WithStrategy(resolve.Strategy(strategy)))
		}
		sess, err := eng.JoinSession(ctx, args[0], opts...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sessName := sess.Name()

		var noteMu sync.Mutex
		var lastNote time.Time
		unsub := eng.Subscribe(func(ev engine.Event) {
			switch e := ev.(type) {
			case engine.StateEvent:
				// The connected state is transitional; the handshake
				// either syncs or fails moments later.
				if e.Session != sessName || e.State == conn.StateConnected {
					return
				}
				u.printf("%s", stateBadge(e.State))
			case engine.ReconnectFailedEvent:
				if e.Session != sessName {
					return
				}
				u.printf("%s", styleOffline.Render("Connection retries exhausted. Type 'reconnect' to try again."))
			case engine.ConflictResolvedEvent:
				u.printf("%s", styleWorking.Render(fmt.Sprintf(
					"Conflict on %s/%s resolved by %s", e.EntityType, e.EntityID, e.Strategy)))
			case engine.QueueExhaustedEvent:
				u.printf("%s", styleOffline.Render(fmt.Sprintf(
					"Gave up on queued %s of %s/%s: %v", e.Op.Kind, e.Op.EntityType, e.Op.EntityID, e.Err)))
			case engine.DocumentEvent:
				if e.Session != sessName || e.Change.Local {
					return
				}
				if keys := changedKeys(e.Change.Delta); len(keys) > 0 {
					u.printf("%s", styleDim.Render("peer updated "+strings.Join(keys, ", ")))
				}
				if len(e.Change.Delta.Inserts) > 0 || len(e.Change.Delta.Deletes) > 0 {
					noteMu.Lock()
					quiet := time.Since(lastNote) < 2*time.Second
					if !quiet {
						lastNote = time.Now()
					}
					noteMu.Unlock()
					if !quiet {
						u.printf("%s", styleDim.Render("notes updated by a peer"))
					}
				}
			}
		})
		defer unsub()

		if err := sess.SetPresence(map[string]any{"user": username}); err != nil {
			u.print(styleDim.Render("presence: " + err.Error()))
		}
		notes := &notesField{}
		unbindNotes := sess.BindTextField(notes)
		defer unbindNotes()
		unbindPeers := sess.BindPresenceIndicator(u.peerList(eng.ClientID()))
		defer unbindPeers()

		if seedPath != "" {
			if err := applySeed(sess, seedPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		fmt.Printf("Joined %s as %s\n", sessName, username)
		fmt.Printf("Relay: %s\n", relayURL)
		fmt.Println("Type 'help' for commands, 'quit' to leave.")

		runRepl(ctx, u, eng, sess, notes)

		sess.Leave()
		fmt.Println("Left session.")
	},
}

func init() {
	joinCmd.Flags().StringP("user", "u", "", "Name shown to peers (default: $USER)")
	joinCmd.Flags().String("strategy", "", "Conflict strategy: client-wins, server-wins, merge, prompt")
	joinCmd.Flags().String("seed", "", "YAML file with initial field values and notes")
	joinCmd.Flags().String("relay", "", "Relay websocket URL (default from config)")
	joinCmd.Flags().String("api", "", "CRM store base URL (default from config)")
	joinCmd.Flags().String("queue", "", "Queue database file (default from config)")
	joinCmd.Flags().Bool("discover", false, "Find a relay on the local network over mDNS")
	joinCmd.Flags().BoolP("verbose", "v", false, "Log engine detail to stderr")

	rootCmd.AddCommand(joinCmd)
}

// discoverRelay browses mDNS for an advertised relay and returns the
// websocket URL of the first one seen.
func discoverRelay(timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			select {
			case found <- fmt.Sprintf("ws://%s:%d/sync", entry.AddrIPv4[0], entry.Port):
			default:
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, "_dealsync._tcp", "local.", entries); err != nil {
		return "", fmt.Errorf("failed to browse for relays: %w", err)
	}
	select {
	case url := <-found:
		return url, nil
	case <-ctx.Done():
		return "", fmt.Errorf("no relay found on the local network")
	}
}

// applySeed loads initial values from a YAML file into the session.
func applySeed(sess *engine.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed struct {
		Fields map[string]any `yaml:"fields"`
		Notes  string         `yaml:"notes"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	if len(seed.Fields) > 0 {
		if err := sess.Mutate(seed.Fields); err != nil {
			return fmt.Errorf("failed to apply seed fields: %w", err)
		}
	}
	// Seed notes only fill an empty document, so rejoining with the
	// same seed does not duplicate them.
	if seed.Notes != "" && sess.Text() == "" {
		if err := sess.InsertText(0, seed.Notes); err != nil {
			return fmt.Errorf("failed to apply seed notes: %w", err)
		}
	}
	return nil
}

func changedKeys(d crdt.Delta) []string {
	keys := make([]string, 0, len(d.Props))
	for _, p := range d.Props {
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	return keys
}

// runRepl reads commands until quit, EOF, or interrupt. Stdin is read
// on demand so the conflict form can take the terminal between lines.
func runRepl(ctx context.Context, u *ui, eng *engine.Engine, sess *engine.Session, notes *notesField) {
	lines := make(chan string)
	requests := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for range requests {
			if !scanner.Scan() {
				close(lines)
				return
			}
			lines <- scanner.Text()
		}
	}()

	for {
		u.showPrompt()
		select {
		case requests <- struct{}{}:
		case <-ctx.Done():
			return
		}
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			u.resolvePending()
			if quit := execute(u, eng, sess, notes, strings.TrimSpace(line)); quit {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

const helpText = `Commands:
  set <field> <value>      Change a record field (value may be JSON)
  get [field]              Show record fields
  note <text>              Append a line to the shared notes
  notes                    Print the shared notes
  log <kind> [data]        Append an entry to the activity feed
  activity [since <when>]  List the activity feed
  peers                    Show who is in the session
  presence <text>          Tell peers what you are doing
  focus <field>            Tell peers which field you are on
  status                   Connection, version, and queue summary
  reconnect                Retry after the reconnect budget is exhausted
  quit                     Leave the session`

// execute runs one command line. Returns true to leave the session.
func execute(u *ui, eng *engine.Engine, sess *engine.Session, notes *notesField, line string) bool {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		u.print(helpText)

	case "quit", "exit":
		return true

	case "set":
		key, val, ok := strings.Cut(rest, " ")
		if !ok || key == "" {
			u.print("usage: set <field> <value>")
			return false
		}
		if err := sess.Mutate(map[string]any{key: parseValue(strings.TrimSpace(val))}); err != nil {
			u.print(styleOffline.Render("set failed: " + err.Error()))
		}

	case "get", "fields":
		props := sess.Properties()
		if rest != "" {
			if raw, ok := props[rest]; ok {
				u.print(fmt.Sprintf("%s = %s", rest, string(raw)))
			} else {
				u.print(styleDim.Render("(no field " + rest + ")"))
			}
			return false
		}
		if len(props) == 0 {
			u.print(styleDim.Render("(no fields yet)"))
			return false
		}
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s = %s", k, string(props[k]))
		}
		u.print(b.String())

	case "note":
		if rest == "" {
			u.print("usage: note <text>")
			return false
		}
		if err := appendNote(sess, rest+"\n"); err != nil {
			u.print(styleOffline.Render("note failed: " + err.Error()))
		}

	case "notes":
		if text := notes.Text(); text != "" {
			u.print(strings.TrimRight(text, "\n"))
		} else {
			u.print(styleDim.Render("(no notes yet)"))
		}

	case "log":
		kind, data, _ := strings.Cut(rest, " ")
		if kind == "" {
			u.print("usage: log <kind> [data]")
			return false
		}
		var payload any
		if data = strings.TrimSpace(data); data != "" {
			payload = parseValue(data)
		}
		if err := sess.AppendActivity(kind, payload); err != nil {
			u.print(styleOffline.Render("log failed: " + err.Error()))
		}

	case "activity":
		var since time.Time
		if rest != "" {
			arg := strings.TrimSpace(strings.TrimPrefix(rest, "since"))
			t, err := parseSince(arg)
			if err != nil {
				u.print(styleOffline.Render(err.Error()))
				return false
			}
			since = t
		}
		u.print(renderActivity(sess.Activity(), since))

	case "peers":
		u.print(renderPeers(eng.ClientID(), sess.Peers()))

	case "presence":
		if rest == "" {
			u.print("usage: presence <text>")
			return false
		}
		if err := sess.SetPresence(map[string]any{"status": rest}); err != nil {
			u.print(styleOffline.Render("presence failed: " + err.Error()))
		}

	case "focus":
		if rest == "" {
			u.print("usage: focus <field>")
			return false
		}
		if err := sess.SetPresence(map[string]any{"focus": rest}); err != nil {
			u.print(styleOffline.Render("focus failed: " + err.Error()))
		}

	case "status":
		queued, err := eng.QueueLen(context.Background())
		if err != nil {
			queued = -1
		}
		u.print(renderStatus(sess, queued))

	case "reconnect":
		sess.Reconnect()
		u.print("reconnecting...")

	default:
		u.print(styleDim.Render("unknown command; try 'help'"))
	}
	return false
}

// parseValue interprets a value the way JSON would, so numbers and
// booleans survive the round trip to the store; anything unparsable is
// a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// appendNote appends to the collaborative notes. The end offset can
// move when a peer edits concurrently, so a range error retries
// against the fresh length.
func appendNote(sess *engine.Session, text string) error {
	for i := 0; i < 3; i++ {
		end := len([]rune(sess.Text()))
		err := sess.InsertText(end, text)
		if err == nil || !errors.Is(err, crdt.ErrTextRange) {
			return err
		}
	}
	return fmt.Errorf("notes are changing too quickly, try again")
}
