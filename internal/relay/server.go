// Package relay provides the synchronization relay: a websocket server
// that fans deltas and presence between the clients of each session
// and keeps an authoritative document per session so late joiners can
// converge from a single state exchange.
//
// The relay is deliberately dumb about content. It merges whatever
// deltas arrive (merging is commutative and idempotent, so order and
// duplication do not matter), rebroadcasts them, and never interprets
// record semantics. Policy decides which sessions it serves; history
// makes its documents survive restarts.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fsnotify/fsnotify"
	"github.com/grandcat/zeroconf"

	"github.com/dealsync/dealsync/internal/crdt"
	"github.com/dealsync/dealsync/internal/protocol"
)

// Config holds relay server configuration.
type Config struct {
	// Port to listen on. 0 picks an ephemeral port.
	Port int

	// Policy controls which sessions are served. Ignored when
	// PolicyPath is set.
	Policy Policy

	// PolicyPath is an optional TOML policy file, reloaded on change.
	PolicyPath string

	// HistoryPath enables the delta history store when set.
	HistoryPath string

	// Advertise publishes the relay on the local network over mDNS.
	Advertise bool

	// InstanceName is the mDNS instance name.
	InstanceName string

	// Logger for relay activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:         8737,
		Policy:       DefaultPolicy(),
		InstanceName: "dealsync-relay",
		Logger:       log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// Server is the websocket relay.
type Server struct {
	config   *Config
	listener net.Listener
	server   *http.Server
	history  *HistoryStore
	mdns     *zeroconf.Server
	watcher  *fsnotify.Watcher

	policyMu sync.RWMutex
	policy   Policy

	roomsMu sync.RWMutex
	rooms   map[string]*room

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// room is the relay's view of one session: the authoritative document,
// the connected clients, and each client's last presence state for
// welcome payloads.
type room struct {
	id  string
	doc *crdt.Document

	mu       sync.RWMutex
	clients  map[*roomClient]bool
	presence map[string]json.RawMessage
}

type roomClient struct {
	id   string
	conn *websocket.Conn
}

// NewServer creates a relay server.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.InstanceName == "" {
		config.InstanceName = DefaultConfig().InstanceName
	}

	policy := config.Policy
	if config.PolicyPath != "" {
		loaded, err := LoadPolicy(config.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}

	var history *HistoryStore
	if config.HistoryPath != "" {
		h, err := OpenHistory(config.HistoryPath)
		if err != nil {
			return nil, err
		}
		history = h
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		history: history,
		policy:  policy,
		rooms:   make(map[string]*room),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}, nil
}

// Start begins listening and serving sessions.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	if s.config.PolicyPath != "" {
		if err := s.watchPolicy(); err != nil {
			return err
		}
	}
	if s.config.Advertise {
		if err := s.advertise(); err != nil {
			s.logger.Printf("Warning: mDNS advertisement failed: %v", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the relay.
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay")
	s.cancel()

	if s.mdns != nil {
		s.mdns.Shutdown()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}

	// Closing connections unblocks every session read loop.
	s.roomsMu.RLock()
	for _, r := range s.rooms {
		r.mu.Lock()
		for c := range r.clients {
			_ = c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
		}
		r.mu.Unlock()
	}
	s.roomsMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			return err
		}
	}
	s.logger.Println("Relay stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// URL returns the websocket endpoint clients dial.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s/sync", s.Addr())
}

// ClientCount returns the number of connected clients across all
// sessions.
func (s *Server) ClientCount() int {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	n := 0
	for _, r := range s.rooms {
		r.mu.RLock()
		n += len(r.clients)
		r.mu.RUnlock()
	}
	return n
}

// currentPolicy returns the live policy, which hot-reload may swap at
// any time.
func (s *Server) currentPolicy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// watchPolicy reloads the policy file when it changes on disk.
func (s *Server) watchPolicy() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(s.config.PolicyPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy file: %w", err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				loaded, err := LoadPolicy(s.config.PolicyPath)
				if err != nil {
					s.logger.Printf("Policy reload failed, keeping previous policy: %v", err)
					continue
				}
				s.policyMu.Lock()
				s.policy = loaded
				s.policyMu.Unlock()
				s.logger.Printf("Policy reloaded from %s", s.config.PolicyPath)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Printf("Policy watcher error: %v", err)
			}
		}
	}()
	return nil
}

// advertise registers the relay as _dealsync._tcp on the local
// network.
func (s *Server) advertise() error {
	port := s.config.Port
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	mdns, err := zeroconf.Register(
		s.config.InstanceName,
		"_dealsync._tcp",
		"local.",
		port,
		[]string{"version=" + protocol.Version},
		nil,
	)
	if err != nil {
		return err
	}
	s.mdns = mdns
	s.logger.Printf("Advertising %s on mDNS (port %d)", s.config.InstanceName, port)
	return nil
}

// handleHealth reports relay liveness and load.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.roomsMu.RLock()
	sessions := len(s.rooms)
	s.roomsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"version":  protocol.Version,
		"sessions": sessions,
		"clients":  s.ClientCount(),
	})
}

// handleSync upgrades the connection and runs the session protocol:
// one hello/welcome exchange, then deltas and awareness until the
// client leaves or drops.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(4 << 20)

	client, rm, ok := s.handshake(conn)
	if !ok {
		return
	}
	s.logger.Printf("Client %s joined %s (%d in session)", client.id, rm.id, rm.clientCount())

	s.readLoop(rm, client)

	rm.remove(client)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client %s left %s (%d in session)", client.id, rm.id, rm.clientCount())

	// Tell the remaining peers so presence is evicted immediately
	// instead of waiting out the liveness timeout.
	if leave, err := protocol.NewEnvelope(protocol.MessageLeave, rm.id, client.id, nil); err == nil {
		s.fanOut(rm, client, leave)
	}
}

// handshake reads the hello, enforces policy and version, merges the
// client's offered state, and answers with the authoritative state
// plus current peer presence.
func (s *Server) handshake(conn *websocket.Conn) (*roomClient, *room, bool) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, nil, false
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.MessageHello {
		s.reject(conn, "", protocol.ErrCodeBadSession, "expected hello")
		return nil, nil, false
	}
	if !protocol.Compatible(env.Version) {
		s.reject(conn, env.SessionID, protocol.ErrCodeVersionMismatch,
			fmt.Sprintf("relay speaks %s, client sent %q", protocol.Version, env.Version))
		return nil, nil, false
	}
	if env.ClientID == "" {
		s.reject(conn, env.SessionID, protocol.ErrCodeBadSession, "hello missing client ID")
		return nil, nil, false
	}

	policy := s.currentPolicy()
	if err := policy.AllowSession(env.SessionID); err != nil {
		s.reject(conn, env.SessionID, protocol.ErrCodeBadSession, err.Error())
		return nil, nil, false
	}

	var hello protocol.Hello
	if err := env.DecodeData(&hello); err != nil {
		s.reject(conn, env.SessionID, protocol.ErrCodeBadSession, "malformed hello payload")
		return nil, nil, false
	}

	rm, err := s.roomFor(env.SessionID)
	if err != nil {
		s.logger.Printf("Failed to open session %s: %v", env.SessionID, err)
		s.reject(conn, env.SessionID, protocol.ErrCodeBadSession, "session unavailable")
		return nil, nil, false
	}

	client := &roomClient{id: env.ClientID, conn: conn}
	if !rm.addWithin(client, policy.MaxClientsPerSession) {
		s.reject(conn, env.SessionID, protocol.ErrCodeSessionLimit,
			fmt.Sprintf("session is full (%d clients)", policy.MaxClientsPerSession))
		return nil, nil, false
	}

	// Merge the client's offline state, persist it, and share it with
	// the peers already in the room.
	if !hello.State.Empty() {
		if rm.doc.Merge(hello.State) {
			s.record(rm.id, hello.State)
			if delta, err := protocol.NewEnvelope(protocol.MessageDelta, rm.id, client.id,
				hello.State); err == nil {
				s.fanOut(rm, client, delta)
			}
		}
	}

	welcome := protocol.Welcome{State: rm.doc.State(), Peers: rm.peerStates(client.id)}
	env, err = protocol.NewEnvelope(protocol.MessageWelcome, rm.id, "", welcome)
	if err != nil {
		rm.remove(client)
		_ = conn.Close(websocket.StatusInternalError, "welcome failed")
		return nil, nil, false
	}
	if err := s.send(conn, env); err != nil {
		rm.remove(client)
		return nil, nil, false
	}
	return client, rm, true
}

// readLoop relays one client's messages until the connection ends.
func (s *Server) readLoop(rm *room, client *roomClient) {
	for {
		_, data, err := client.conn.Read(s.ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Printf("Dropping malformed message from %s: %v", client.id, err)
			continue
		}

		switch env.Type {
		case protocol.MessageDelta:
			var delta crdt.Delta
			if err := env.DecodeData(&delta); err != nil {
				s.logger.Printf("Dropping malformed delta from %s: %v", client.id, err)
				continue
			}
			if rm.doc.Merge(delta) {
				s.record(rm.id, delta)
			}
			// Duplicates still fan out; receivers merge idempotently.
			s.fanOut(rm, client, env)

		case protocol.MessageAwareness:
			rm.setPresence(client.id, env.Data)
			s.fanOut(rm, client, env)

		case protocol.MessageLeave:
			return

		default:
			s.logger.Printf("Ignoring %s from %s", env.Type, client.id)
		}
	}
}

// roomFor returns the session's room, creating it (and replaying
// history into it) on first use.
func (s *Server) roomFor(sessionID string) (*room, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	if rm, ok := s.rooms[sessionID]; ok {
		return rm, nil
	}

	rm := &room{
		id:       sessionID,
		doc:      crdt.NewDocument("relay"),
		clients:  make(map[*roomClient]bool),
		presence: make(map[string]json.RawMessage),
	}
	if s.history != nil {
		deltas, err := s.history.Load(s.ctx, sessionID)
		if err != nil {
			return nil, err
		}
		for _, delta := range deltas {
			rm.doc.Merge(delta)
		}
		if len(deltas) > 0 {
			s.logger.Printf("Rebuilt %s from %d history deltas", sessionID, len(deltas))
		}
	}
	s.rooms[sessionID] = rm
	return rm, nil
}

func (s *Server) record(sessionID string, delta crdt.Delta) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(s.ctx, sessionID, delta); err != nil {
		s.logger.Printf("Warning: failed to record history for %s: %v", sessionID, err)
	}
}

// fanOut sends an envelope to every client in the room except from.
func (s *Server) fanOut(rm *room, from *roomClient, env protocol.Envelope) {
	rm.mu.RLock()
	targets := make([]*roomClient, 0, len(rm.clients))
	for c := range rm.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	rm.mu.RUnlock()

	for _, c := range targets {
		if err := s.send(c.conn, env); err != nil {
			s.logger.Printf("Failed to send to %s: %v", c.id, err)
			rm.remove(c)
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

func (s *Server) send(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// reject answers a failed handshake with an error envelope, then
// closes the connection.
func (s *Server) reject(conn *websocket.Conn, sessionID, code, message string) {
	env, err := protocol.NewEnvelope(protocol.MessageError, sessionID, "",
		protocol.ErrorInfo{Code: code, Message: message})
	if err == nil {
		_ = s.send(conn, env)
	}
	_ = conn.Close(websocket.StatusPolicyViolation, code)
}

// addWithin adds the client unless the room is already at the limit.
// A limit of zero means unlimited.
func (r *room) addWithin(c *roomClient, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.clients) >= max {
		return false
	}
	r.clients[c] = true
	return true
}

func (r *room) remove(c *roomClient) {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	delete(r.presence, c.id)
	r.mu.Unlock()
}

func (r *room) clientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *room) setPresence(clientID string, state json.RawMessage) {
	r.mu.Lock()
	r.presence[clientID] = append(json.RawMessage(nil), state...)
	r.mu.Unlock()
}

// peerStates snapshots the presence of everyone except the given
// client, for welcome payloads.
func (r *room) peerStates(except string) []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]json.RawMessage, 0, len(r.presence))
	for id, state := range r.presence {
		if id == except {
			continue
		}
		out = append(out, append(json.RawMessage(nil), state...))
	}
	return out
}
