package awareness

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type broadcastRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *broadcastRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *broadcastRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func testTracker(t *testing.T, cfg *Config) *Tracker {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "client-a"
	}
	cfg.Logger = log.New(io.Discard, "", 0)
	tr := New(cfg)
	t.Cleanup(tr.Stop)
	return tr
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func fields(kv ...string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = raw(kv[i+1])
	}
	return out
}

func TestFirstUpdateBroadcastsImmediately(t *testing.T) {
	rec := &broadcastRecorder{}
	tr := testTracker(t, &Config{
		Interval:    time.Hour, // no ticker help; broadcast must be synchronous
		Timeout:     time.Hour,
		OnBroadcast: rec.record,
	})
	tr.Start()

	tr.SetLocal(fields("cursor", `{"field":"notes","offset":3}`))
	if rec.count() != 1 {
		t.Fatalf("broadcasts after first update = %d, want 1 (immediate)", rec.count())
	}
}

func TestRoutineUpdatesCoalesce(t *testing.T) {
	rec := &broadcastRecorder{}
	tr := testTracker(t, &Config{
		Interval:    40 * time.Millisecond,
		Timeout:     time.Hour,
		OnBroadcast: rec.record,
	})
	tr.Start()

	tr.SetLocal(fields("user", `{"name":"dana"}`)) // immediate announce
	for i := 0; i < 20; i++ {
		tr.SetLocal(fields("cursor", `{"offset":1}`))
	}

	time.Sleep(120 * time.Millisecond)
	got := rec.count()
	if got >= 21 {
		t.Fatalf("broadcast per update (%d), want coalescing", got)
	}
	if got < 2 {
		t.Errorf("broadcasts = %d, want the announce plus a coalesced flush", got)
	}
}

func TestIdentityChangeBroadcastsImmediately(t *testing.T) {
	rec := &broadcastRecorder{}
	tr := testTracker(t, &Config{
		Interval:    time.Hour,
		Timeout:     time.Hour,
		OnBroadcast: rec.record,
	})
	tr.Start()

	tr.SetLocal(fields(FieldUser, `{"name":"dana"}`))
	tr.SetLocal(fields("cursor", `{"offset":4}`)) // coalesced
	before := rec.count()

	tr.SetLocal(fields(FieldUser, `{"name":"dana g"}`))
	if rec.count() != before+1 {
		t.Errorf("identity change did not broadcast immediately (%d -> %d)", before, rec.count())
	}

	// Re-sending the same identity is routine, not significant.
	before = rec.count()
	tr.SetLocal(fields(FieldUser, `{"name":"dana g"}`))
	if rec.count() != before {
		t.Errorf("unchanged identity broadcast immediately")
	}
}

func TestStatesIncludeSelfAndPeersSorted(t *testing.T) {
	tr := testTracker(t, &Config{ClientID: "client-b", Interval: time.Hour, Timeout: time.Hour})
	tr.SetLocal(fields("user", `{"name":"b"}`))

	tr.Apply(State{ClientID: "client-c", Fields: fields("user", `{"name":"c"}`)})
	tr.Apply(State{ClientID: "client-a", Fields: fields("user", `{"name":"a"}`)})

	states := tr.States()
	if len(states) != 3 {
		t.Fatalf("states = %d, want 3", len(states))
	}
	for i, want := range []string{"client-a", "client-b", "client-c"} {
		if states[i].ClientID != want {
			t.Errorf("states[%d] = %s, want %s", i, states[i].ClientID, want)
		}
	}
}

func TestApplyIgnoresOwnEcho(t *testing.T) {
	tr := testTracker(t, &Config{ClientID: "client-a", Interval: time.Hour, Timeout: time.Hour})
	tr.Apply(State{ClientID: "client-a", Fields: fields("user", `{"name":"echo"}`)})
	if len(tr.States()) != 0 {
		t.Errorf("own echo was stored as a peer")
	}
}

func TestEvictRemovesPeer(t *testing.T) {
	changed := make(chan struct{}, 8)
	tr := testTracker(t, &Config{
		Interval:       time.Hour,
		Timeout:        time.Hour,
		OnPeersChanged: func() { changed <- struct{}{} },
	})

	tr.Apply(State{ClientID: "client-b", Fields: fields("user", `{"name":"b"}`)})
	<-changed

	tr.Evict("client-b")
	select {
	case <-changed:
	default:
		t.Error("eviction did not notify")
	}
	if len(tr.States()) != 0 {
		t.Errorf("peer still present after Evict")
	}

	// Evicting again is a no-op.
	tr.Evict("client-b")
	select {
	case <-changed:
		t.Error("evicting an unknown peer notified")
	default:
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	tr := testTracker(t, &Config{
		Interval: 20 * time.Millisecond,
		Timeout:  60 * time.Millisecond,
	})
	tr.Start()

	tr.Apply(State{ClientID: "client-b", Fields: fields("user", `{"name":"b"}`)})

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.States()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(tr.States()); n != 0 {
		t.Errorf("silent peer still present after timeout (%d states)", n)
	}
}

func TestActivePeerSurvivesSweep(t *testing.T) {
	tr := testTracker(t, &Config{
		Interval: 20 * time.Millisecond,
		Timeout:  80 * time.Millisecond,
	})
	tr.Start()

	stop := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(stop) {
		tr.Apply(State{ClientID: "client-b", Fields: fields("typing", `true`)})
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(tr.States()); n != 1 {
		t.Errorf("refreshed peer was swept (%d states)", n)
	}
}

func TestHeartbeatKeepsQuietClientVisible(t *testing.T) {
	rec := &broadcastRecorder{}
	tr := testTracker(t, &Config{
		Interval:    20 * time.Millisecond,
		Timeout:     80 * time.Millisecond, // heartbeat due every 40ms
		OnBroadcast: rec.record,
	})
	tr.Start()

	tr.SetLocal(fields("user", `{"name":"dana"}`))
	time.Sleep(150 * time.Millisecond)

	if got := rec.count(); got < 3 {
		t.Errorf("broadcasts = %d, want announce plus heartbeats", got)
	}
}

func TestLocalReturnsCopy(t *testing.T) {
	tr := testTracker(t, &Config{Interval: time.Hour, Timeout: time.Hour})
	tr.SetLocal(fields("cursor", `{"offset":1}`))

	local := tr.Local()
	local.Fields["cursor"] = raw(`{"offset":99}`)

	if string(tr.Local().Fields["cursor"]) != `{"offset":1}` {
		t.Error("Local() aliased internal state")
	}
}
