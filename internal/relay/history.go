package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dealsync/dealsync/internal/crdt"
)

// HistoryStore persists every delta the relay accepts so a restarted
// relay can rebuild its authoritative documents. Deltas replay through
// the normal merge path; duplicates from crash-window overlap are
// harmless.
type HistoryStore struct {
	conn *sql.DB
	path string
}

// OpenHistory opens (or creates) the history database.
func OpenHistory(path string) (*HistoryStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	h := &HistoryStore{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := h.conn.Exec(pragma); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to configure history database: %w", err)
		}
	}
	if err := h.initSchema(context.Background()); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

// Close closes the history database.
func (h *HistoryStore) Close() error {
	if h.conn == nil {
		return nil
	}
	if _, err := h.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint history WAL: %v\n", err)
	}
	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	h.conn = nil
	return nil
}

func (h *HistoryStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS deltas (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		delta TEXT NOT NULL,
		received_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deltas_session ON deltas(session_id);
	`
	if _, err := h.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Append records one accepted delta for a session.
func (h *HistoryStore) Append(ctx context.Context, sessionID string, delta crdt.Delta) error {
	raw, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to marshal delta: %w", err)
	}
	query := `INSERT INTO deltas (session_id, delta, received_at) VALUES (?, ?, ?)`
	if _, err := h.conn.ExecContext(ctx, query,
		sessionID, string(raw), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to append history delta: %w", err)
	}
	return nil
}

// Load returns every recorded delta for a session in arrival order.
func (h *HistoryStore) Load(ctx context.Context, sessionID string) ([]crdt.Delta, error) {
	query := `SELECT delta FROM deltas WHERE session_id = ? ORDER BY seq ASC`
	rows, err := h.conn.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var deltas []crdt.Delta
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan history delta: %w", err)
		}
		var delta crdt.Delta
		if err := json.Unmarshal([]byte(raw), &delta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history delta: %w", err)
		}
		deltas = append(deltas, delta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return deltas, nil
}
