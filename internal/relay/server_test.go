package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dealsync/dealsync/internal/crdt"
	"github.com/dealsync/dealsync/internal/protocol"
)

func startRelay(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Port = 0
	cfg.Logger = log.New(io.Discard, "", 0)

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	welcome protocol.Welcome
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, s.URL(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.SetReadLimit(4 << 20)
	return conn
}

// join dials the relay and completes the hello/welcome handshake.
func join(t *testing.T, s *Server, sessionID, clientID string, state crdt.Delta) *testClient {
	t.Helper()
	conn := dial(t, s)
	c := &testClient{t: t, conn: conn}
	t.Cleanup(c.close)

	c.send(protocol.MessageHello, sessionID, clientID, protocol.Hello{State: state})
	env := c.recv()
	if env.Type == protocol.MessageError {
		var info protocol.ErrorInfo
		_ = env.DecodeData(&info)
		t.Fatalf("handshake rejected: %s (%s)", info.Message, info.Code)
	}
	if env.Type != protocol.MessageWelcome {
		t.Fatalf("first reply = %s, want welcome", env.Type)
	}
	if err := env.DecodeData(&c.welcome); err != nil {
		t.Fatalf("failed to decode welcome: %v", err)
	}
	return c
}

// joinExpectError dials and returns the rejection for a hello carrying
// the given protocol version.
func joinExpectError(t *testing.T, s *Server, sessionID, clientID, version string) protocol.ErrorInfo {
	t.Helper()
	conn := dial(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")

	env, err := protocol.NewEnvelope(protocol.MessageHello, sessionID, clientID, protocol.Hello{})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	env.Version = version
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	got, err := protocol.Decode(reply)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Type != protocol.MessageError {
		t.Fatalf("reply = %s, want error", got.Type)
	}
	var info protocol.ErrorInfo
	if err := got.DecodeData(&info); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	return info
}

func (c *testClient) send(t protocol.MessageType, sessionID, clientID string, data any) {
	c.t.Helper()
	env, err := protocol.NewEnvelope(t, sessionID, clientID, data)
	if err != nil {
		c.t.Fatalf("NewEnvelope failed: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		c.t.Fatalf("Encode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		c.t.Fatalf("Write failed: %v", err)
	}
}

func (c *testClient) recv() protocol.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("Read failed: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		c.t.Fatalf("Decode failed: %v", err)
	}
	return env
}

// recvType reads envelopes until one of the wanted type arrives.
func (c *testClient) recvType(want protocol.MessageType) protocol.Envelope {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		env := c.recv()
		if env.Type == want {
			return env
		}
	}
	c.t.Fatalf("no %s envelope after 10 messages", want)
	panic("unreachable")
}

func (c *testClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func mutate(t *testing.T, doc *crdt.Document, fn func(tx *crdt.Txn) error) crdt.Delta {
	t.Helper()
	delta, err := doc.Update(fn)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return delta
}

const session = "crm:deal:8842"

func TestTwoClientsConverge(t *testing.T) {
	s := startRelay(t, nil)

	docA := crdt.NewDocument("alice")
	docB := crdt.NewDocument("bob")

	a := join(t, s, session, "alice", docA.State())
	b := join(t, s, session, "bob", docB.State())
	docB.Merge(b.welcome.State)

	delta := mutate(t, docA, func(tx *crdt.Txn) error {
		if err := tx.Set("stage", "negotiation"); err != nil {
			return err
		}
		return tx.InsertText(0, "kickoff notes")
	})
	a.send(protocol.MessageDelta, session, "alice", delta)

	env := b.recvType(protocol.MessageDelta)
	var got crdt.Delta
	if err := env.DecodeData(&got); err != nil {
		t.Fatalf("failed to decode delta: %v", err)
	}
	docB.Merge(got)

	if docB.Text() != docA.Text() {
		t.Errorf("text diverged: %q vs %q", docB.Text(), docA.Text())
	}
	bStage, _ := docB.Property("stage")
	aStage, _ := docA.Property("stage")
	if string(bStage) != string(aStage) {
		t.Errorf("property diverged: %s vs %s", bStage, aStage)
	}
}

func TestLateJoinerConvergesFromWelcome(t *testing.T) {
	s := startRelay(t, nil)

	docA := crdt.NewDocument("alice")
	a := join(t, s, session, "alice", docA.State())
	delta := mutate(t, docA, func(tx *crdt.Txn) error {
		return tx.InsertText(0, "early edits")
	})
	a.send(protocol.MessageDelta, session, "alice", delta)

	// The relay merges asynchronously; wait for the authoritative text
	// to appear in a late joiner's welcome.
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; ; i++ {
		docB := crdt.NewDocument(fmt.Sprintf("bob-%d", i))
		b := join(t, s, session, fmt.Sprintf("bob-%d", i), docB.State())
		docB.Merge(b.welcome.State)
		b.close()
		if docB.Text() == "early edits" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late joiner text = %q, want %q", docB.Text(), "early edits")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOfflineStateInHelloReachesPeers(t *testing.T) {
	s := startRelay(t, nil)

	// Bob is already in the session.
	docB := crdt.NewDocument("bob")
	b := join(t, s, session, "bob", docB.State())

	// Alice edited offline; her hello carries the state.
	docA := crdt.NewDocument("alice")
	mutate(t, docA, func(tx *crdt.Txn) error {
		return tx.Set("amount", 150)
	})
	join(t, s, session, "alice", docA.State())

	env := b.recvType(protocol.MessageDelta)
	var got crdt.Delta
	if err := env.DecodeData(&got); err != nil {
		t.Fatalf("failed to decode delta: %v", err)
	}
	docB.Merge(got)
	amount, ok := docB.Property("amount")
	if !ok || string(amount) != "150" {
		t.Errorf("amount = %s, want 150 relayed from alice's hello", amount)
	}
}

func TestVersionGate(t *testing.T) {
	s := startRelay(t, nil)

	info := joinExpectError(t, s, session, "alice", "v2.0.0")
	if info.Code != protocol.ErrCodeVersionMismatch {
		t.Errorf("code = %q, want %q", info.Code, protocol.ErrCodeVersionMismatch)
	}

	info = joinExpectError(t, s, session, "alice", "not-semver")
	if info.Code != protocol.ErrCodeVersionMismatch {
		t.Errorf("code = %q, want %q", info.Code, protocol.ErrCodeVersionMismatch)
	}
}

func TestPolicyRejectsDisallowedSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = Policy{Namespaces: []string{"crm"}, EntityTypes: []string{"deal"}}
	s := startRelay(t, cfg)

	tests := []struct {
		name      string
		sessionID string
	}{
		{"malformed", "not-a-session"},
		{"wrong namespace", "hr:deal:1"},
		{"wrong entity type", "crm:invoice:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := joinExpectError(t, s, tt.sessionID, "alice", protocol.Version)
			if info.Code != protocol.ErrCodeBadSession {
				t.Errorf("code = %q, want %q", info.Code, protocol.ErrCodeBadSession)
			}
		})
	}

	// The allowed shape still works.
	join(t, s, "crm:deal:1", "alice", crdt.Delta{})
}

func TestSessionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = Policy{MaxClientsPerSession: 1}
	s := startRelay(t, cfg)

	join(t, s, session, "alice", crdt.Delta{})
	info := joinExpectError(t, s, session, "bob", protocol.Version)
	if info.Code != protocol.ErrCodeSessionLimit {
		t.Errorf("code = %q, want %q", info.Code, protocol.ErrCodeSessionLimit)
	}
}

func TestAwarenessFanOutAndWelcomePeers(t *testing.T) {
	s := startRelay(t, nil)

	a := join(t, s, session, "alice", crdt.Delta{})
	b := join(t, s, session, "bob", crdt.Delta{})

	presence := map[string]any{
		"clientId": "alice",
		"fields":   map[string]any{"user": map[string]any{"name": "Alice"}},
	}
	a.send(protocol.MessageAwareness, session, "alice", presence)

	env := b.recvType(protocol.MessageAwareness)
	if env.ClientID != "alice" {
		t.Errorf("awareness from %q, want alice", env.ClientID)
	}

	// A later joiner sees alice's last presence in the welcome. Wait
	// for the relay to have cached it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c := join(t, s, session, fmt.Sprintf("carol-%d", time.Now().UnixNano()), crdt.Delta{})
		found := false
		for _, peer := range c.welcome.Peers {
			var state struct {
				ClientID string `json:"clientId"`
			}
			if err := json.Unmarshal(peer, &state); err == nil && state.ClientID == "alice" {
				found = true
			}
		}
		c.close()
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("welcome never included alice's presence")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPeersSeeLeave(t *testing.T) {
	s := startRelay(t, nil)

	a := join(t, s, session, "alice", crdt.Delta{})
	b := join(t, s, session, "bob", crdt.Delta{})

	a.send(protocol.MessageLeave, session, "alice", nil)
	env := b.recvType(protocol.MessageLeave)
	if env.ClientID != "alice" {
		t.Errorf("leave from %q, want alice", env.ClientID)
	}
}

func TestHistoryRehydratesAfterRestart(t *testing.T) {
	historyPath := filepath.Join(t.TempDir(), "history.db")

	cfg := DefaultConfig()
	cfg.HistoryPath = historyPath
	cfg.Port = 0
	cfg.Logger = log.New(io.Discard, "", 0)
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	docA := crdt.NewDocument("alice")
	mutate(t, docA, func(tx *crdt.Txn) error {
		if err := tx.Set("stage", "won"); err != nil {
			return err
		}
		return tx.InsertText(0, "surviving text")
	})
	a := join(t, s, session, "alice", docA.State())
	a.close()

	// Writes land in history synchronously during the handshake, so a
	// stop right after is safe.
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	cfg2 := DefaultConfig()
	cfg2.HistoryPath = historyPath
	restarted := startRelay(t, cfg2)

	docB := crdt.NewDocument("bob")
	b := join(t, restarted, session, "bob", docB.State())
	docB.Merge(b.welcome.State)

	if docB.Text() != "surviving text" {
		t.Errorf("text after restart = %q, want %q", docB.Text(), "surviving text")
	}
	stage, _ := docB.Property("stage")
	if string(stage) != `"won"` {
		t.Errorf("stage after restart = %s, want \"won\"", stage)
	}
}

func TestPolicyHotReload(t *testing.T) {
	policyPath := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(policyPath, []byte("entity_types = [\"contact\"]\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PolicyPath = policyPath
	s := startRelay(t, cfg)

	info := joinExpectError(t, s, session, "alice", protocol.Version)
	if info.Code != protocol.ErrCodeBadSession {
		t.Fatalf("code = %q, want %q before reload", info.Code, protocol.ErrCodeBadSession)
	}

	if err := os.WriteFile(policyPath, []byte("entity_types = [\"deal\"]\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Reload is asynchronous; poll until the new policy takes effect.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := s.currentPolicy().AllowSession(session); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("policy never reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
	join(t, s, session, "alice", crdt.Delta{})
}

func TestHealthEndpoint(t *testing.T) {
	s := startRelay(t, nil)
	join(t, s, session, "alice", crdt.Delta{})

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.Version != protocol.Version {
		t.Errorf("version = %q, want %q", health.Version, protocol.Version)
	}
}
