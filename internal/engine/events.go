package engine

import (
	"github.com/dealsync/dealsync/internal/awareness"
	"github.com/dealsync/dealsync/internal/conn"
	"github.com/dealsync/dealsync/internal/crdt"
	"github.com/dealsync/dealsync/internal/queue"
	"github.com/dealsync/dealsync/internal/resolve"
)

// Event is implemented by every notification the engine publishes.
// Subscribers switch on the concrete type.
type Event interface {
	event()
}

// StateEvent reports a connection state transition for one session.
type StateEvent struct {
	Session string
	State   conn.State
}

// ReconnectFailedEvent reports that a session exhausted its reconnect
// budget and stays offline until Reconnect is called on it.
type ReconnectFailedEvent struct {
	Session string
	Err     error
}

// QueueExhaustedEvent reports a queued operation the engine gave up
// on. The operation has already been dropped; this event is the last
// chance to recover its payload.
type QueueExhaustedEvent struct {
	Op       queue.Op
	Attempts int
	Err      error
}

// ConflictResolvedEvent reports a record-store version conflict and
// the value the resolver settled on.
type ConflictResolvedEvent struct {
	EntityType string
	EntityID   string
	Strategy   resolve.Strategy
	Source     resolve.Source
	Resolved   map[string]any
}

// DocumentEvent reports one applied document change, local or remote,
// batched per transaction.
type DocumentEvent struct {
	Session string
	Change  crdt.Change
}

// AwarenessEvent reports a change in the peers present in a session or
// in what they are doing.
type AwarenessEvent struct {
	Session string
	Peers   []awareness.State
}

func (StateEvent) event()            {}
func (ReconnectFailedEvent) event()  {}
func (QueueExhaustedEvent) event()   {}
func (ConflictResolvedEvent) event() {}
func (DocumentEvent) event()         {}
func (AwarenessEvent) event()        {}
