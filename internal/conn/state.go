package conn

// State is the connection lifecycle state of a session's relay link.
type State int

const (
	// StateDisconnected means no connection exists and none is being
	// attempted.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the transport is up but the session
	// handshake has not finished.
	StateConnected

	// StateSynced means the handshake completed and local state has
	// converged with the relay.
	StateSynced

	// StateFailed means the retry budget was exhausted. Terminal until
	// the session reconnects explicitly.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
