package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/dealsync/dealsync/internal/awareness"
	"github.com/dealsync/dealsync/internal/conn"
	"github.com/dealsync/dealsync/internal/crdt"
	"github.com/dealsync/dealsync/internal/engine"
	"github.com/dealsync/dealsync/internal/resolve"
)

var (
	styleSynced  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleWorking = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleOffline = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	stylePeer    = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleBox     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// ui serializes terminal output for the join command: asynchronous
// engine events share the screen with the command prompt, so every
// event print clears the input line first and restores the prompt
// after it.
type ui struct {
	mu     sync.Mutex
	out    *termenv.Output
	tty    bool
	prompt string

	// conflicts carries prompt-strategy requests from engine
	// goroutines to the command loop, which owns stdin.
	conflicts chan *conflictRequest
}

type conflictRequest struct {
	local, remote map[string]any
	reply         chan map[string]any
}

func newUI() *ui {
	return &ui{
		out:       termenv.NewOutput(os.Stdout),
		tty:       term.IsTerminal(int(os.Stdout.Fd())),
		prompt:    "> ",
		conflicts: make(chan *conflictRequest, 4),
	}
}

// printf writes one event line. Text the user already typed on the
// input line is not re-echoed; the line itself survives in the
// terminal's input buffer.
func (u *ui) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	line := fmt.Sprintf(format, args...)
	if u.tty {
		u.out.ClearLine()
		fmt.Fprintf(u.out, "\r%s\n", line)
		fmt.Fprint(u.out, u.prompt)
		return
	}
	fmt.Println(line)
}

// showPrompt prints the input prompt.
func (u *ui) showPrompt() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tty {
		fmt.Fprint(u.out, u.prompt)
	}
}

// print writes command output below the line the user just submitted.
func (u *ui) print(s string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Println(s)
}

// promptFunc adapts the interactive conflict form to the engine's
// asynchronous resolution path. Engine goroutines park the conflict
// here; the command loop picks it up between input lines, where stdin
// is free for the form. An unanswered conflict declines after a minute
// so background drains cannot hang on a walked-away user.
func (u *ui) promptFunc() resolve.PromptFunc {
	if !u.tty || !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return func(local, remote map[string]any) (map[string]any, error) {
		req := &conflictRequest{local: local, remote: remote, reply: make(chan map[string]any, 1)}
		select {
		case u.conflicts <- req:
		default:
			return nil, nil // a conflict is already waiting; decline
		}
		u.printf("%s", styleWorking.Render("Conflict detected. Press Enter to resolve it."))
		select {
		case resolved := <-req.reply:
			return resolved, nil
		case <-time.After(time.Minute):
			u.printf("%s", styleDim.Render("Conflict unanswered, merging automatically."))
			return nil, nil
		}
	}
}

// resolvePending runs the conflict form for any parked requests. Only
// called from the command loop, between input lines.
func (u *ui) resolvePending() {
	for {
		select {
		case req := <-u.conflicts:
			resolved, err := resolveInTerminal(req.local, req.remote)
			if err != nil {
				resolved = nil
			}
			select {
			case req.reply <- resolved:
			default: // the request timed out while the form was open
			}
		default:
			return
		}
	}
}

func stateBadge(s conn.State) string {
	switch s {
	case conn.StateSynced:
		return styleSynced.Render("● synced")
	case conn.StateConnected:
		return styleWorking.Render("● connected")
	case conn.StateConnecting:
		return styleWorking.Render("◌ connecting")
	case conn.StateFailed:
		return styleOffline.Render("✗ offline, retries exhausted")
	default:
		return styleOffline.Render("○ disconnected")
	}
}

// peerName prefers the presence "user" field and falls back to a short
// client id.
func peerName(st awareness.State) string {
	if raw, ok := st.Fields["user"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			return name
		}
	}
	if len(st.ClientID) > 8 {
		return st.ClientID[:8]
	}
	return st.ClientID
}

// peerList is the join command's PresenceIndicator: it announces peers
// as they come and go.
type peerList struct {
	u      *ui
	selfID string

	mu     sync.Mutex
	known  map[string]string
	primed bool
}

func (u *ui) peerList(selfID string) *peerList {
	return &peerList{u: u, selfID: selfID, known: make(map[string]string)}
}

func (p *peerList) SetPeers(states []awareness.State) {
	current := make(map[string]string, len(states))
	for _, st := range states {
		if st.ClientID == p.selfID {
			continue
		}
		current[st.ClientID] = peerName(st)
	}

	p.mu.Lock()
	var joined, left []string
	for id, name := range current {
		if _, ok := p.known[id]; !ok {
			joined = append(joined, name)
		}
	}
	for id, name := range p.known {
		if _, ok := current[id]; !ok {
			left = append(left, name)
		}
	}
	primed := p.primed
	p.primed = true
	p.known = current
	p.mu.Unlock()

	if !primed {
		// First fill: announce who is already here rather than a join
		// line per peer.
		if len(current) > 0 {
			names := make([]string, 0, len(current))
			for _, name := range current {
				names = append(names, name)
			}
			sort.Strings(names)
			p.u.printf("%s", stylePeer.Render("Also here: "+strings.Join(names, ", ")))
		}
		return
	}
	sort.Strings(joined)
	sort.Strings(left)
	for _, name := range joined {
		p.u.printf("%s", stylePeer.Render(name+" joined"))
	}
	for _, name := range left {
		p.u.printf("%s", styleDim.Render(name+" left"))
	}
}

// notesField is the join command's TextField: it tracks the live
// collaborative text for the notes command to print.
type notesField struct {
	mu   sync.Mutex
	text string
}

func (f *notesField) SetText(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

func (f *notesField) Text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

// renderStatus draws the status box.
func renderStatus(sess *engine.Session, queued int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", stateBadge(sess.State()), sess.Name())
	if v := sess.Version(); !v.IsZero() {
		fmt.Fprintf(&b, "%s\n", styleDim.Render("store version "+v.UTC().Format(time.RFC3339)))
	}
	names := make([]string, 0, len(sess.Peers()))
	for _, st := range sess.Peers() {
		names = append(names, peerName(st))
	}
	sort.Strings(names)
	fmt.Fprintf(&b, "peers: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "queued offline ops: %d", queued)
	return styleBox.Render(b.String())
}

func renderPeers(selfID string, states []awareness.State) string {
	sort.Slice(states, func(i, j int) bool {
		return peerName(states[i]) < peerName(states[j])
	})
	var lines []string
	for _, st := range states {
		name := peerName(st)
		if st.ClientID == selfID {
			name += " (you)"
		}
		line := stylePeer.Render(name)
		extras := make([]string, 0, len(st.Fields))
		for k, raw := range st.Fields {
			if k == "user" {
				continue
			}
			var v any
			_ = json.Unmarshal(raw, &v)
			extras = append(extras, fmt.Sprintf("%s=%v", k, v))
		}
		if len(extras) > 0 {
			sort.Strings(extras)
			line += styleDim.Render("  " + strings.Join(extras, " "))
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return styleDim.Render("(nobody here)")
	}
	return strings.Join(lines, "\n")
}

func renderActivity(entries []crdt.Entry, since time.Time) string {
	var lines []string
	for _, e := range entries {
		if !since.IsZero() && e.At.Before(since) {
			continue
		}
		writer := e.Writer
		if len(writer) > 8 {
			writer = writer[:8]
		}
		line := fmt.Sprintf("%s  %-12s %s",
			styleDim.Render(e.At.Local().Format("Jan 02 15:04")), e.Kind, styleDim.Render(writer))
		if len(e.Data) > 0 {
			line += "  " + string(e.Data)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return styleDim.Render("(no activity)")
	}
	return strings.Join(lines, "\n")
}
