// Package protocol defines the wire framing spoken between clients and
// the relay: a typed envelope carrying JSON payloads, plus the
// handshake payloads for session join and initial state exchange.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/mod/semver"

	"github.com/dealsync/dealsync/internal/crdt"
)

// Version is the protocol version spoken by this build. Relays reject
// peers whose major version differs; minor and patch revisions are
// expected to interoperate.
const Version = "v1.0.0"

// Compatible reports whether a peer's protocol version can
// interoperate with this build.
func Compatible(v string) bool {
	return semver.IsValid(v) && semver.Major(v) == semver.Major(Version)
}

// MessageType identifies the kind of an envelope.
type MessageType string

const (
	// MessageHello opens a session: the client announces itself and
	// offers its current document state.
	MessageHello MessageType = "hello"

	// MessageWelcome acknowledges a hello: the relay returns its
	// authoritative state and the presence of already-joined peers.
	MessageWelcome MessageType = "welcome"

	// MessageDelta carries an incremental document change.
	MessageDelta MessageType = "delta"

	// MessageAwareness carries one client's ephemeral presence state.
	MessageAwareness MessageType = "awareness"

	// MessageLeave announces that a client left the session.
	MessageLeave MessageType = "leave"

	// MessageError reports a terminal handshake or policy failure.
	MessageError MessageType = "error"
)

// Envelope frames every message exchanged with the relay.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Version   string          `json:"version,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hello is the payload of a MessageHello: the joining client's current
// document state, which the relay merges into its authoritative copy.
type Hello struct {
	State crdt.Delta `json:"state"`
}

// Welcome is the payload of a MessageWelcome: the relay's state after
// merging the client's offer, plus the last known awareness state of
// every already-joined peer.
type Welcome struct {
	State crdt.Delta        `json:"state"`
	Peers []json.RawMessage `json:"peers,omitempty"`
}

// ErrorInfo is the payload of a MessageError.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes reported by the relay during a handshake.
const (
	ErrCodeBadSession      = "bad_session"
	ErrCodeVersionMismatch = "version_mismatch"
	ErrCodeSessionLimit    = "session_limit"
)

// NewEnvelope builds a stamped envelope of the given type, marshaling
// data as its payload. A nil data leaves the payload empty.
func NewEnvelope(t MessageType, sessionID, clientID string, data any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		SessionID: sessionID,
		ClientID:  clientID,
		Version:   Version,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Decode parses a wire message into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}
