// Package queue provides the durable offline outbox for record
// mutations. Mutations performed without connectivity are appended
// here and replayed against the record store once a connection
// returns.
//
// The queue is opened once per process and shared by every session;
// it survives restarts. Replay preserves enqueue order overall and
// never reorders operations that target the same entity: when an
// operation fails transiently, later operations for that entity stay
// parked until it succeeds, while other entities keep draining.
//
// Records created offline carry placeholder IDs. When the create
// reaches the server and a real ID is assigned, every queued reference
// to the placeholder is rewritten before later operations drain, and
// the mapping is kept so operations enqueued afterwards resolve too.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/dealsync/dealsync/internal/record"
)

// Kind identifies the record-store verb an operation performs.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// LocalIDPrefix marks entity IDs assigned locally for records created
// while the store was unreachable. The queued create replaces them with
// the server-assigned ID during replay.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id is a placeholder awaiting a
// server-assigned replacement.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// ErrUnreachable tells Drain that the record store cannot be reached at
// all. Apply functions wrap network-level failures with it so that
// being offline defers the whole drain instead of burning the retry
// budget of whichever operation happened to be first in line.
var ErrUnreachable = errors.New("record store unreachable")

// Op is one queued mutation.
type Op struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Fields     map[string]any `json:"fields,omitempty"`

	// ExpectedUpdatedAt is the record version the mutation was based
	// on. The record store reports a conflict when it no longer
	// matches. Nil for creates.
	ExpectedUpdatedAt *time.Time `json:"expectedUpdatedAt,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryCount int       `json:"retryCount"`
}

func (op Op) entityKey() string {
	return op.EntityType + "/" + op.EntityID
}

// ExhaustedError reports an operation the queue gave up on, either
// because it exceeded the retry ceiling or because it failed
// permanently. The operation has already been removed from the queue.
type ExhaustedError struct {
	Op       Op
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("queued %s on %s/%s dropped after %d attempt(s): %v",
		e.Op.Kind, e.Op.EntityType, e.Op.EntityID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ApplyResult reports the outcome of applying one operation. ServerID
// is set for creates so the queue can rewrite placeholder references.
type ApplyResult struct {
	ServerID  string
	UpdatedAt time.Time
}

// ApplyFunc applies one operation against the record store. Version
// conflicts must be resolved inside the function; an error returned
// from it is classified only as transient (kept for retry) or
// permanent (dropped).
type ApplyFunc func(ctx context.Context, op Op) (ApplyResult, error)

// Config holds outbox configuration.
type Config struct {
	// Path is the queue database file.
	Path string

	// MaxRetries is how many times a transiently failing operation is
	// attempted before it is dropped.
	MaxRetries int

	// Logger for queue activity. Defaults to a stderr logger.
	Logger *log.Logger

	// OnExhausted is invoked for every dropped operation.
	OnExhausted func(*ExhaustedError)

	// OnIDAssigned is invoked when a placeholder ID is replaced by a
	// server-assigned one. The timestamp is the created record's
	// server version.
	OnIDAssigned func(placeholder, serverID string, updatedAt time.Time)
}

// DefaultConfig returns the default outbox configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
	}
}

// Outbox is the durable operation queue. Safe for concurrent use; at
// most one drain runs at a time.
type Outbox struct {
	store  *store
	config Config
	logger *log.Logger

	// drainMu serializes drains so flush-on-mutate and
	// reconnect-triggered drains cannot interleave replays.
	drainMu sync.Mutex
}

// Open opens the queue at cfg.Path, creating it if needed. The queue
// is locked for this process until Close.
func Open(cfg Config) (*Outbox, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	s, err := openStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Outbox{store: s, config: cfg, logger: logger}, nil
}

// Close releases the queue database and its process lock. Pending
// operations stay on disk for the next Open.
func (o *Outbox) Close() error {
	return o.store.close()
}

// Enqueue appends a mutation to the queue and returns it with its
// assigned ID and enqueue time. Placeholder references whose create
// has already been replayed are resolved to the server ID on the way
// in.
func (o *Outbox) Enqueue(ctx context.Context, op Op) (Op, error) {
	switch op.Kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return Op{}, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if op.EntityType == "" || op.EntityID == "" {
		return Op{}, fmt.Errorf("operation requires entity type and ID")
	}

	op, err := o.resolvePlaceholders(ctx, op)
	if err != nil {
		return Op{}, err
	}

	op.ID = ksuid.New().String()
	op.EnqueuedAt = time.Now().UTC()
	op.RetryCount = 0
	if err := o.store.append(ctx, op); err != nil {
		return Op{}, err
	}
	return op, nil
}

// resolvePlaceholders rewrites placeholder references through the
// recorded aliases. Unrecorded placeholders pass through untouched;
// their create is still queued ahead of this operation.
func (o *Outbox) resolvePlaceholders(ctx context.Context, op Op) (Op, error) {
	if IsLocalID(op.EntityID) {
		serverID, ok, err := o.store.lookupAlias(ctx, op.EntityID)
		if err != nil {
			return Op{}, err
		}
		if ok {
			op.EntityID = serverID
		}
	}
	for k, v := range op.Fields {
		s, isStr := v.(string)
		if !isStr || !IsLocalID(s) {
			continue
		}
		serverID, ok, err := o.store.lookupAlias(ctx, s)
		if err != nil {
			return Op{}, err
		}
		if ok {
			op.Fields[k] = serverID
		}
	}
	return op, nil
}

// Len returns the number of pending operations.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	return o.store.count(ctx)
}

// Pending returns all queued operations in replay order.
func (o *Outbox) Pending(ctx context.Context) ([]Op, error) {
	return o.store.list(ctx)
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Applied int
	Kept    int
	Dropped int
}

// Drain replays pending operations through apply. Operations enqueued
// after the drain starts wait for the next pass.
//
// A transient failure parks the failing operation and everything
// behind it for the same entity; other entities continue. An operation
// that exceeds the retry ceiling, or fails permanently, is dropped and
// reported through OnExhausted. An apply error wrapping ErrUnreachable
// ends the pass immediately with every remaining operation kept and no
// retry counted.
func (o *Outbox) Drain(ctx context.Context, apply ApplyFunc) (DrainStats, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	var stats DrainStats
	ops, err := o.store.list(ctx)
	if err != nil {
		return stats, err
	}

	// IDs rewritten by creates earlier in this pass.
	assigned := make(map[string]string)
	parked := make(map[string]bool)

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		for placeholder, serverID := range assigned {
			op = substituteOp(op, placeholder, serverID)
		}
		if parked[op.entityKey()] {
			stats.Kept++
			continue
		}

		result, applyErr := apply(ctx, op)
		if applyErr == nil {
			if err := o.store.delete(ctx, op.ID); err != nil {
				return stats, err
			}
			stats.Applied++
			if op.Kind == KindCreate && result.ServerID != "" && result.ServerID != op.EntityID {
				if err := o.assignServerID(ctx, op.EntityID, result.ServerID, result.UpdatedAt, assigned); err != nil {
					return stats, err
				}
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if errors.Is(applyErr, ErrUnreachable) {
			stats.Kept += len(ops) - i
			o.logger.Printf("Store unreachable, deferring drain with %d operation(s) pending", len(ops)-i)
			return stats, nil
		}

		if record.IsTransient(applyErr) {
			if op.RetryCount+1 >= o.config.MaxRetries {
				if err := o.drop(ctx, op, op.RetryCount+1, applyErr); err != nil {
					return stats, err
				}
				stats.Dropped++
				continue
			}
			if err := o.store.setRetryCount(ctx, op.ID, op.RetryCount+1); err != nil {
				return stats, err
			}
			parked[op.entityKey()] = true
			stats.Kept++
			o.logger.Printf("Transient failure for %s on %s (attempt %d/%d): %v",
				op.Kind, op.entityKey(), op.RetryCount+1, o.config.MaxRetries, applyErr)
			continue
		}

		// Retrying a permanent failure cannot help.
		if err := o.drop(ctx, op, op.RetryCount+1, applyErr); err != nil {
			return stats, err
		}
		stats.Dropped++
	}
	return stats, nil
}

func (o *Outbox) assignServerID(ctx context.Context, placeholder, serverID string, updatedAt time.Time, assigned map[string]string) error {
	if err := o.store.rewriteEntityID(ctx, placeholder, serverID); err != nil {
		return err
	}
	assigned[placeholder] = serverID
	o.logger.Printf("Assigned server ID %s to placeholder %s", serverID, placeholder)
	if o.config.OnIDAssigned != nil {
		o.config.OnIDAssigned(placeholder, serverID, updatedAt)
	}
	return nil
}

func (o *Outbox) drop(ctx context.Context, op Op, attempts int, cause error) error {
	if err := o.store.delete(ctx, op.ID); err != nil {
		return err
	}
	exhausted := &ExhaustedError{Op: op, Attempts: attempts, Err: cause}
	o.logger.Printf("Warning: %v", exhausted)
	if o.config.OnExhausted != nil {
		o.config.OnExhausted(exhausted)
	}
	return nil
}

// substituteOp rewrites in-memory references to a placeholder that was
// replaced while this drain pass was already holding the operation
// list.
func substituteOp(op Op, placeholder, serverID string) Op {
	if op.EntityID == placeholder {
		op.EntityID = serverID
	}
	if op.Fields != nil {
		fields := make(map[string]any, len(op.Fields))
		for k, v := range op.Fields {
			if s, ok := v.(string); ok && s == placeholder {
				fields[k] = serverID
				continue
			}
			fields[k] = v
		}
		op.Fields = fields
	}
	return op
}
