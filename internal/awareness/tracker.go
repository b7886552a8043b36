// Package awareness tracks ephemeral presence: who is in a session and
// what they are doing right now (cursor, focused field, typing flag).
// Presence rides alongside document sync but shares none of its
// guarantees: states are never persisted, never queued, and never
// merged. The latest update per peer wins, peers vanish on disconnect
// or silence, and a missed update is simply superseded by the next
// one.
package awareness

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// FieldUser is the presence field carrying peer identity. Changes to
// it broadcast immediately instead of waiting for the coalescing
// interval.
const FieldUser = "user"

// State is one client's presence.
type State struct {
	ClientID string                     `json:"clientId"`
	Fields   map[string]json.RawMessage `json:"fields"`

	// UpdatedAt is local bookkeeping for liveness sweeps; it is not
	// part of the wire state.
	UpdatedAt time.Time `json:"-"`
}

func (s State) clone() State {
	fields := make(map[string]json.RawMessage, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = append(json.RawMessage(nil), v...)
	}
	return State{ClientID: s.ClientID, Fields: fields, UpdatedAt: s.UpdatedAt}
}

// Config holds tracker configuration.
type Config struct {
	// ClientID identifies the local client.
	ClientID string

	// Interval is the coalescing window: at most one routine
	// broadcast per interval.
	Interval time.Duration

	// Timeout is how long a peer may stay silent before the liveness
	// sweep evicts it.
	Timeout time.Duration

	// Logger for tracker activity.
	Logger *log.Logger

	// OnBroadcast is invoked with the local state when it should go
	// out to peers. Must not block.
	OnBroadcast func(State)

	// OnPeersChanged is invoked whenever the set or content of peer
	// states changes. Must not block.
	OnPeersChanged func()
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Second,
		Timeout:  30 * time.Second,
		Logger:   log.New(os.Stderr, "[awareness] ", log.LstdFlags),
	}
}

// Tracker owns presence for one session: the local client's state plus
// every known peer. Start launches the broadcast/sweep loop.
type Tracker struct {
	config *Config

	mu        sync.Mutex
	local     State
	peers     map[string]State
	dirty     bool
	announced bool
	lastSent  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tracker for the given client.
func New(config *Config) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		config: config,
		local: State{
			ClientID: config.ClientID,
			Fields:   make(map[string]json.RawMessage),
		},
		peers:  make(map[string]State),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the coalescing broadcaster and liveness sweep.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop halts broadcasting. Peer state is discarded with the tracker;
// there is nothing to persist.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// SetLocal merges a partial update into the local presence state.
// Routine changes coalesce into the next interval broadcast; the first
// update and identity changes broadcast immediately.
func (t *Tracker) SetLocal(partial map[string]json.RawMessage) {
	t.mu.Lock()
	significant := !t.announced
	for k, v := range partial {
		if k == FieldUser && !bytes.Equal(t.local.Fields[k], v) {
			significant = true
		}
		t.local.Fields[k] = append(json.RawMessage(nil), v...)
	}
	t.local.UpdatedAt = time.Now()

	if significant {
		t.announced = true
		t.dirty = false
		t.lastSent = time.Now()
		state := t.local.clone()
		cb := t.config.OnBroadcast
		t.mu.Unlock()
		if cb != nil {
			cb(state)
		}
		return
	}
	t.dirty = true
	t.mu.Unlock()
}

// Local returns the local presence state.
func (t *Tracker) Local() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.clone()
}

// Apply records a peer's state from the wire, replacing whatever was
// known before. Updates for the local client are ignored.
func (t *Tracker) Apply(state State) {
	if state.ClientID == "" || state.ClientID == t.config.ClientID {
		return
	}
	t.mu.Lock()
	state.UpdatedAt = time.Now()
	t.peers[state.ClientID] = state.clone()
	cb := t.config.OnPeersChanged
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Evict drops a peer immediately, typically on a leave or disconnect
// notice. No-op for unknown peers.
func (t *Tracker) Evict(clientID string) {
	t.mu.Lock()
	if _, ok := t.peers[clientID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, clientID)
	cb := t.config.OnPeersChanged
	t.mu.Unlock()
	t.config.Logger.Printf("Evicted peer %s", clientID)
	if cb != nil {
		cb()
	}
}

// States returns every known presence state, local client included,
// ordered by client ID.
func (t *Tracker) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.peers)+1)
	if t.announced {
		out = append(out, t.local.clone())
	}
	for _, s := range t.peers {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// run flushes coalesced updates each interval, re-broadcasts as a
// heartbeat so quiet clients are not swept by their peers, and evicts
// peers that went silent.
func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.flush()
			t.sweep()
		}
	}
}

func (t *Tracker) flush() {
	t.mu.Lock()
	if !t.announced {
		t.mu.Unlock()
		return
	}
	heartbeatDue := time.Since(t.lastSent) >= t.config.Timeout/2
	if !t.dirty && !heartbeatDue {
		t.mu.Unlock()
		return
	}
	t.dirty = false
	t.lastSent = time.Now()
	state := t.local.clone()
	cb := t.config.OnBroadcast
	t.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	var evicted []string
	for id, s := range t.peers {
		if time.Since(s.UpdatedAt) > t.config.Timeout {
			delete(t.peers, id)
			evicted = append(evicted, id)
		}
	}
	cb := t.config.OnPeersChanged
	t.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	for _, id := range evicted {
		t.config.Logger.Printf("Peer %s timed out", id)
	}
	if cb != nil {
		cb()
	}
}
