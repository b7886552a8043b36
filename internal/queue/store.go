package queue

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
	"golang.org/x/sys/unix"
)

// store persists queued operations in an embedded SQLite database with
// WAL mode. A sidecar lock file guards the queue against two processes
// draining the same operations.
type store struct {
	conn *sql.DB
	path string
	lock *os.File
}

func openStore(path string) (*store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		releaseLock(lock)
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		releaseLock(lock)
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	s := &store{conn: conn, path: path, lock: lock}

	// WAL for concurrent reads while a drain is writing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.close()
			return nil, fmt.Errorf("failed to configure queue database: %w", err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

// acquireLock takes an exclusive non-blocking flock on the sidecar
// file. Failure means another outbox already owns this queue.
func acquireLock(path string) (*os.File, error) {
	lock, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue lock file: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("queue is locked by another process: %w", err)
	}
	return lock, nil
}

func releaseLock(lock *os.File) {
	if lock == nil {
		return
	}
	_ = unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	_ = lock.Close()
}

func (s *store) close() error {
	defer func() {
		releaseLock(s.lock)
		s.lock = nil
	}()
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint queue WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the operations and aliases tables. The seq
// column, not the op ID, fixes drain order: IDs are k-sortable only to
// the second, while seq preserves exact enqueue order. Idempotent.
func (s *store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		expected_updated_at TEXT,
		enqueued_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_operations_entity
	    ON operations(entity_type, entity_id);

	CREATE TABLE IF NOT EXISTS aliases (
		placeholder TEXT PRIMARY KEY,
		server_id TEXT NOT NULL
	);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

func (s *store) append(ctx context.Context, op Op) error {
	var payload any
	if op.Fields != nil {
		raw, err := json.Marshal(op.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal operation payload: %w", err)
		}
		payload = string(raw)
	}

	query := `
	INSERT INTO operations (
		id, kind, entity_type, entity_id, payload,
		expected_updated_at, enqueued_at, retry_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query,
		op.ID,
		string(op.Kind),
		op.EntityType,
		op.EntityID,
		payload,
		timeToNullString(op.ExpectedUpdatedAt),
		op.EnqueuedAt.Format(time.RFC3339Nano),
		op.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}
	return nil
}

// list returns all pending operations in enqueue order.
func (s *store) list(ctx context.Context) ([]Op, error) {
	query := `
	SELECT id, kind, entity_type, entity_id, payload,
	       expected_updated_at, enqueued_at, retry_count
	FROM operations
	ORDER BY seq ASC
	`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var op Op
		var kind, enqueuedAt string
		var payload, expectedAt sql.NullString

		if err := rows.Scan(&op.ID, &kind, &op.EntityType, &op.EntityID,
			&payload, &expectedAt, &enqueuedAt, &op.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Kind = Kind(kind)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &op.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal operation payload: %w", err)
			}
		}
		op.ExpectedUpdatedAt = nullStringToTime(expectedAt)
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			op.EnqueuedAt = t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

func (s *store) delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

func (s *store) setRetryCount(ctx context.Context, id string, count int) error {
	query := `UPDATE operations SET retry_count = ? WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, count, id); err != nil {
		return fmt.Errorf("failed to update retry count for %s: %w", id, err)
	}
	return nil
}

func (s *store) count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}

// lookupAlias returns the server ID recorded for a placeholder, if the
// create that owned it has already been replayed.
func (s *store) lookupAlias(ctx context.Context, placeholder string) (string, bool, error) {
	var serverID string
	err := s.conn.QueryRowContext(ctx,
		`SELECT server_id FROM aliases WHERE placeholder = ?`, placeholder).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up alias for %s: %w", placeholder, err)
	}
	return serverID, true, nil
}

// rewriteEntityID replaces every reference to a placeholder ID with
// the server-assigned one: the entity_id column directly, plus any
// payload field whose value is the placeholder (offline records can
// reference each other before either exists on the server). The
// mapping is also recorded durably so operations enqueued after the
// rewrite still resolve.
func (s *store) rewriteEntityID(ctx context.Context, placeholder, serverID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO aliases (placeholder, server_id) VALUES (?, ?)`,
		placeholder, serverID); err != nil {
		return fmt.Errorf("failed to record ID alias: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET entity_id = ? WHERE entity_id = ?`,
		serverID, placeholder); err != nil {
		return fmt.Errorf("failed to rewrite entity IDs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload FROM operations WHERE payload LIKE '%' || ? || '%'`,
		placeholder)
	if err != nil {
		return fmt.Errorf("failed to find payload references: %w", err)
	}
	type patch struct{ id, payload string }
	var patches []patch
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan payload reference: %w", err)
		}
		rewritten, changed, err := rewritePayload(payload, placeholder, serverID)
		if err != nil {
			rows.Close()
			return err
		}
		if changed {
			patches = append(patches, patch{id: id, payload: rewritten})
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("error iterating payload references: %w", err)
	}

	for _, p := range patches {
		if _, err := tx.ExecContext(ctx,
			`UPDATE operations SET payload = ? WHERE id = ?`, p.payload, p.id); err != nil {
			return fmt.Errorf("failed to rewrite payload for %s: %w", p.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ID rewrite: %w", err)
	}
	return nil
}

// rewritePayload substitutes placeholder references in top-level
// string fields. Substring matches inside longer strings are left
// alone; only whole-value references are rewritten.
func rewritePayload(payload, placeholder, serverID string) (string, bool, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal payload for rewrite: %w", err)
	}
	changed := false
	for k, v := range fields {
		if s, ok := v.(string); ok && s == placeholder {
			fields[k] = serverID
			changed = true
		}
	}
	if !changed {
		return payload, false, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal rewritten payload: %w", err)
	}
	return string(raw), true, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
