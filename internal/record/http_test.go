package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeRecordServer is a minimal in-memory record store speaking the
// HTTPStore wire format.
func fakeRecordServer(t *testing.T) (*httptest.Server, map[string]Entity) {
	t.Helper()

	records := make(map[string]Entity)
	nextID := 0

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{entityType}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		nextID++
		e := Entity{
			ID:        fmt.Sprintf("deal-%d", nextID),
			UpdatedAt: time.Now().UTC(),
			Fields:    body.Fields,
		}
		records[e.ID] = e
		json.NewEncoder(w).Encode(e)
	})
	mux.HandleFunc("GET /{entityType}/{id}", func(w http.ResponseWriter, r *http.Request) {
		e, ok := records[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(e)
	})
	mux.HandleFunc("PATCH /{entityType}/{id}", func(w http.ResponseWriter, r *http.Request) {
		e, ok := records[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var body struct {
			ExpectedUpdatedAt time.Time      `json:"expectedUpdatedAt"`
			Fields            map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !body.ExpectedUpdatedAt.IsZero() && !body.ExpectedUpdatedAt.Equal(e.UpdatedAt) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(e)
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		for k, v := range body.Fields {
			e.Fields[k] = v
		}
		e.UpdatedAt = e.UpdatedAt.Add(time.Second)
		records[e.ID] = e
		json.NewEncoder(w).Encode(e)
	})
	mux.HandleFunc("DELETE /{entityType}/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := records[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(records, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, records
}

func TestHTTPStoreCreateReadUpdate(t *testing.T) {
	srv, _ := fakeRecordServer(t)
	store := NewHTTPStore(srv.URL, testLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, "deal", map[string]any{"amount": 100.0})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" || created.UpdatedAt.IsZero() {
		t.Fatalf("Create() returned incomplete entity: %+v", created)
	}

	got, err := store.Read(ctx, "deal", created.ID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Fields["amount"] != 100.0 {
		t.Errorf("Read() amount = %v, want 100", got.Fields["amount"])
	}

	updated, err := store.Update(ctx, "deal", created.ID, map[string]any{"stage": "won"}, created.UpdatedAt)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Error("Update() did not advance the server version")
	}
	// Updates are partial: fields not named keep their values.
	if updated.Fields["amount"] != 100.0 {
		t.Errorf("partial update dropped amount: %+v", updated.Fields)
	}
	if updated.Fields["stage"] != "won" {
		t.Errorf("stage = %v, want won", updated.Fields["stage"])
	}
}

func TestHTTPStoreUpdateConflict(t *testing.T) {
	srv, _ := fakeRecordServer(t)
	store := NewHTTPStore(srv.URL, testLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, "deal", map[string]any{"stage": "open"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A stale expected version must surface the server's copy.
	stale := created.UpdatedAt.Add(-time.Hour)
	_, err = store.Update(ctx, "deal", created.ID, map[string]any{"stage": "won"}, stale)

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if conflict.Current.ID != created.ID {
		t.Errorf("conflict carries wrong entity: %+v", conflict.Current)
	}
	if IsTransient(err) {
		t.Error("conflicts must not be classified transient")
	}
}

func TestHTTPStoreDeleteIdempotent(t *testing.T) {
	srv, _ := fakeRecordServer(t)
	store := NewHTTPStore(srv.URL, testLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, "deal", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Delete(ctx, "deal", created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "deal", created.ID); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
}

func TestIsTransientClassification(t *testing.T) {
	srv, _ := fakeRecordServer(t)
	srv.Close() // refuse connections from here on

	store := NewHTTPStore(srv.URL, testLogger())
	_, err := store.Create(context.Background(), "deal", nil)
	if err == nil {
		t.Fatal("expected error against closed server")
	}
	if !IsTransient(err) {
		t.Errorf("connection failure not classified transient: %v", err)
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"conflict", &ConflictError{}, false},
		{"server error", &StatusError{Code: 502, Status: "502 Bad Gateway"}, true},
		{"rate limited", &StatusError{Code: 429, Status: "429 Too Many Requests"}, true},
		{"client error", &StatusError{Code: 400, Status: "400 Bad Request"}, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}
