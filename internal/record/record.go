// Package record defines the boundary with the remote system of
// record: a thin CRUD client over server-assigned identifiers and
// timestamps, plus the error classification the synchronization engine
// uses to decide between conflict resolution and offline queueing.
package record

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Entity is one record held by the remote store. UpdatedAt is assigned
// by the server and increases monotonically with every write; it is
// the version the engine compares for conflict detection.
type Entity struct {
	ID        string         `json:"id"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Fields    map[string]any `json:"fields"`
}

// Store is the interface to the remote record store. Implementations
// must return *ConflictError from Update when the record was modified
// since expectedUpdatedAt, and errors classified by IsTransient for
// network-layer failures, so callers can route the operation into the
// offline queue instead of surfacing it.
type Store interface {
	// Create stores a new record and returns it with its
	// server-assigned id and timestamp.
	Create(ctx context.Context, entityType string, fields map[string]any) (Entity, error)

	// Read fetches a record by id.
	Read(ctx context.Context, entityType, id string) (Entity, error)

	// Update merges the given fields into the record if its current
	// version still matches expectedUpdatedAt, returning the stored
	// result. Fields not named are left untouched, so callers send
	// only what changed. A version mismatch returns *ConflictError
	// carrying the current server copy. A zero expectedUpdatedAt
	// applies unconditionally, for clients that have never seen a
	// server version.
	Update(ctx context.Context, entityType, id string, fields map[string]any, expectedUpdatedAt time.Time) (Entity, error)

	// Delete removes a record. Deleting a record that no longer
	// exists is not an error.
	Delete(ctx context.Context, entityType, id string) error
}

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ConflictError reports that another writer modified the record
// between this client's read and write. Current holds the server's
// copy so the conflict resolver can work with both versions.
type ConflictError struct {
	Current Entity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s modified concurrently (server version %s)",
		e.Current.ID, e.Current.UpdatedAt.Format(time.RFC3339))
}

// StatusError reports a non-success HTTP status from the record store
// that maps to no more specific error.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("record store returned %s", e.Status)
}

// IsTransient reports whether the error is a network-layer or
// server-side condition likely to clear on retry. Transient failures
// are routed into the offline operation queue; everything else
// (conflicts, missing records, client errors) is handled where it
// occurred and never retried blindly.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == http.StatusTooManyRequests
	}

	// Timeouts, DNS failures, refused connections.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// IsUnreachable reports whether the error is a network-layer failure
// that never produced a response: the store itself was not reached.
// Unreachable failures are a subset of transient ones; they mean the
// client is offline rather than that the store is unhealthy.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
