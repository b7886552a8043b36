package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/dealsync/dealsync/internal/record"
)

func testOutbox(t *testing.T, cfg Config) *Outbox {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "outbox.db")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	o, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func enqueue(t *testing.T, o *Outbox, op Op) Op {
	t.Helper()
	queued, err := o.Enqueue(context.Background(), op)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return queued
}

// transientErr classifies as retryable through record.IsTransient.
func transientErr() error {
	return &record.StatusError{Code: 503, Status: "503 Service Unavailable"}
}

func TestDrainAppliesInEnqueueOrder(t *testing.T) {
	o := testOutbox(t, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueue(t, o, Op{
			Kind:       KindUpdate,
			EntityType: "deal",
			EntityID:   "deal-1",
			Fields:     map[string]any{"step": i},
		})
	}

	var steps []int
	stats, err := o.Drain(ctx, func(_ context.Context, op Op) (ApplyResult, error) {
		steps = append(steps, int(op.Fields["step"].(float64)))
		return ApplyResult{}, nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if stats.Applied != 5 {
		t.Errorf("applied = %d, want 5", stats.Applied)
	}
	for i, step := range steps {
		if step != i {
			t.Fatalf("replay order = %v, want ascending", steps)
		}
	}

	n, err := o.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("%d operations left after full drain, want 0", n)
	}
}

func TestTransientFailureParksEntityOnly(t *testing.T) {
	o := testOutbox(t, Config{})
	ctx := context.Background()

	enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "deal-1", Fields: map[string]any{"n": 1}})
	enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "deal-1", Fields: map[string]any{"n": 2}})
	enqueue(t, o, Op{Kind: KindUpdate, EntityType: "contact", EntityID: "contact-9", Fields: map[string]any{"n": 3}})

	var attempted []string
	stats, err := o.Drain(ctx, func(_ context.Context, op Op) (ApplyResult, error) {
		attempted = append(attempted, op.EntityID)
		if op.EntityID == "deal-1" {
			return ApplyResult{}, transientErr()
		}
		return ApplyResult{}, nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// Only the first deal-1 operation may be attempted; the second
	// must stay behind it. The contact drains normally.
	want := []string{"deal-1", "contact-9"}
	if len(attempted) != len(want) || attempted[0] != want[0] || attempted[1] != want[1] {
		t.Errorf("attempted = %v, want %v", attempted, want)
	}
	if stats.Applied != 1 || stats.Kept != 2 {
		t.Errorf("stats = %+v, want 1 applied, 2 kept", stats)
	}

	pending, err := o.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d ops, want 2", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("failed op retry count = %d, want 1", pending[0].RetryCount)
	}
	if pending[1].RetryCount != 0 {
		t.Errorf("parked op retry count = %d, want 0 (never attempted)", pending[1].RetryCount)
	}
}

func TestRetryCeilingDropsOperation(t *testing.T) {
	var dropped []*ExhaustedError
	o := testOutbox(t, Config{
		MaxRetries:  3,
		OnExhausted: func(e *ExhaustedError) { dropped = append(dropped, e) },
	})
	ctx := context.Background()

	enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "deal-1", Fields: map[string]any{"x": 1}})

	failing := func(_ context.Context, _ Op) (ApplyResult, error) {
		return ApplyResult{}, transientErr()
	}
	for i := 0; i < 2; i++ {
		if _, err := o.Drain(ctx, failing); err != nil {
			t.Fatalf("Drain %d failed: %v", i, err)
		}
		if len(dropped) != 0 {
			t.Fatalf("dropped after %d attempts, want retries first", i+1)
		}
	}

	stats, err := o.Drain(ctx, failing)
	if err != nil {
		t.Fatalf("final Drain failed: %v", err)
	}
	if stats.Dropped != 1 {
		t.Errorf("stats.Dropped = %d, want 1", stats.Dropped)
	}
	if len(dropped) != 1 {
		t.Fatalf("exhausted callbacks = %d, want 1", len(dropped))
	}
	if dropped[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", dropped[0].Attempts)
	}
	if !errors.Is(dropped[0], dropped[0].Err) {
		t.Error("ExhaustedError should unwrap to its cause")
	}

	if n, _ := o.Len(ctx); n != 0 {
		t.Errorf("%d operations left, want 0", n)
	}
}

func TestPermanentFailureDropsImmediately(t *testing.T) {
	var dropped []*ExhaustedError
	o := testOutbox(t, Config{
		OnExhausted: func(e *ExhaustedError) { dropped = append(dropped, e) },
	})
	ctx := context.Background()

	enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "deal-1", Fields: map[string]any{"x": 1}})

	stats, err := o.Drain(ctx, func(_ context.Context, _ Op) (ApplyResult, error) {
		return ApplyResult{}, &record.StatusError{Code: 400, Status: "400 Bad Request"}
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if stats.Dropped != 1 || len(dropped) != 1 {
		t.Fatalf("stats = %+v, callbacks = %d; want immediate drop", stats, len(dropped))
	}
	if dropped[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", dropped[0].Attempts)
	}
}

func TestPlaceholderSubstitution(t *testing.T) {
	var assigned [][2]string
	o := testOutbox(t, Config{
		OnIDAssigned: func(placeholder, serverID string, _ time.Time) {
			assigned = append(assigned, [2]string{placeholder, serverID})
		},
	})
	ctx := context.Background()

	// Create with a placeholder, then an update to the same record and
	// a create of another record that references the placeholder.
	enqueue(t, o, Op{Kind: KindCreate, EntityType: "deal", EntityID: "local-d81f",
		Fields: map[string]any{"title": "acme"}})
	enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "local-d81f",
		Fields: map[string]any{"stage": "open"}})
	enqueue(t, o, Op{Kind: KindCreate, EntityType: "task", EntityID: "local-a302",
		Fields: map[string]any{"deal": "local-d81f", "title": "call"}})

	var seen []Op
	_, err := o.Drain(ctx, func(_ context.Context, op Op) (ApplyResult, error) {
		seen = append(seen, op)
		if op.Kind == KindCreate && op.EntityType == "deal" {
			return ApplyResult{ServerID: "deal-42", UpdatedAt: time.Now()}, nil
		}
		return ApplyResult{ServerID: op.EntityID}, nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("applied %d ops, want 3", len(seen))
	}
	if seen[1].EntityID != "deal-42" {
		t.Errorf("update entity ID = %q, want substituted deal-42", seen[1].EntityID)
	}
	if ref := seen[2].Fields["deal"]; ref != "deal-42" {
		t.Errorf("cross-record reference = %v, want deal-42", ref)
	}
	if len(assigned) == 0 || assigned[0] != [2]string{"local-d81f", "deal-42"} {
		t.Errorf("ID assignment callbacks = %v", assigned)
	}
}

func TestSubstitutionPersistsWhenDrainInterrupted(t *testing.T) {
	o := testOutbox(t, Config{})
	ctx := context.Background()

	enqueue(t, o, Op{Kind: KindCreate, EntityType: "deal", EntityID: "local-d81f",
		Fields: map[string]any{"title": "acme"}})
	enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "local-d81f",
		Fields: map[string]any{"stage": "open"}})

	// First drain applies the create, then fails the update
	// transiently. The stored update must already reference the server
	// ID when the next drain reads it back.
	_, err := o.Drain(ctx, func(_ context.Context, op Op) (ApplyResult, error) {
		if op.Kind == KindCreate {
			return ApplyResult{ServerID: "deal-42"}, nil
		}
		return ApplyResult{}, transientErr()
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	pending, err := o.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d ops, want 1", len(pending))
	}
	if pending[0].EntityID != "deal-42" {
		t.Errorf("stored entity ID = %q, want deal-42", pending[0].EntityID)
	}
}

func TestEnqueueAfterAssignmentResolvesPlaceholder(t *testing.T) {
	o := testOutbox(t, Config{})
	ctx := context.Background()

	enqueue(t, o, Op{Kind: KindCreate, EntityType: "deal", EntityID: "local-d81f",
		Fields: map[string]any{"title": "acme"}})
	if _, err := o.Drain(ctx, func(_ context.Context, _ Op) (ApplyResult, error) {
		return ApplyResult{ServerID: "deal-42", UpdatedAt: time.Now()}, nil
	}); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// A writer that still holds the placeholder enqueues after the
	// create has replayed. The stored mapping must resolve it.
	late := enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "local-d81f",
		Fields: map[string]any{"stage": "open", "parent": "local-d81f"}})
	if late.EntityID != "deal-42" {
		t.Errorf("late enqueue entity ID = %q, want deal-42", late.EntityID)
	}
	if late.Fields["parent"] != "deal-42" {
		t.Errorf("late enqueue field reference = %v, want deal-42", late.Fields["parent"])
	}

	// A placeholder with no recorded assignment passes through.
	fresh := enqueue(t, o, Op{Kind: KindCreate, EntityType: "deal", EntityID: "local-9b77",
		Fields: map[string]any{"title": "globex"}})
	if fresh.EntityID != "local-9b77" {
		t.Errorf("unassigned placeholder rewritten to %q", fresh.EntityID)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	o, err := Open(Config{Path: path, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	queued := enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal", EntityID: "deal-1",
		Fields: map[string]any{"stage": "open"}})
	expected := queued.EnqueuedAt
	if err := o.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := testOutbox(t, Config{Path: path})
	pending, err := reopened.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after reopen = %d, want 1", len(pending))
	}
	op := pending[0]
	if op.ID != queued.ID || op.Kind != KindUpdate || op.EntityID != "deal-1" {
		t.Errorf("reloaded op = %+v, want original", op)
	}
	if !op.EnqueuedAt.Equal(expected) {
		t.Errorf("enqueue time = %v, want %v", op.EnqueuedAt, expected)
	}
	if op.Fields["stage"] != "open" {
		t.Errorf("fields = %v, want original payload", op.Fields)
	}
}

func TestSecondOpenSamePathFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	o := testOutbox(t, Config{Path: path})
	_ = o

	if _, err := Open(Config{Path: path, Logger: log.New(io.Discard, "", 0)}); err == nil {
		t.Fatal("second Open on a locked queue should fail")
	}
}

func TestEnqueueValidation(t *testing.T) {
	o := testOutbox(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		op   Op
	}{
		{"unknown kind", Op{Kind: "upsert", EntityType: "deal", EntityID: "d1"}},
		{"missing entity type", Op{Kind: KindUpdate, EntityID: "d1"}},
		{"missing entity ID", Op{Kind: KindUpdate, EntityType: "deal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Enqueue(ctx, tt.op); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	o := testOutbox(t, Config{})
	for i := 0; i < 3; i++ {
		enqueue(t, o, Op{Kind: KindUpdate, EntityType: "deal",
			EntityID: fmt.Sprintf("deal-%d", i), Fields: map[string]any{"x": i}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	stats, err := o.Drain(ctx, func(_ context.Context, _ Op) (ApplyResult, error) {
		calls++
		if calls == 2 {
			cancel()
			return ApplyResult{}, transientErr()
		}
		return ApplyResult{}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain error = %v, want context.Canceled", err)
	}
	if calls != 2 || stats.Applied != 1 {
		t.Errorf("calls = %d, applied = %d; want drain to stop after cancellation", calls, stats.Applied)
	}

	// The failing op and the never-attempted one both stay queued.
	if n, _ := o.Len(context.Background()); n != 2 {
		t.Errorf("%d operations left, want 2", n)
	}
}
