package session

// State is the handshake/lifecycle state of a session. Transitions only
// move forward; Closed and Failed are absorbing. A failed session is never
// resurrected — callers construct a fresh session with fresh nonces and a
// fresh session_id.
type State int

const (
	StateInit State = iota
	StateHandshake
	StateAuthenticated
	StateReady
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Established reports whether the session can carry control or stream
// traffic.
func (s State) Established() bool {
	return s == StateReady || s == StateStreaming
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition encodes the legal forward edges of the state machine.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	// Any live state may be closed or failed.
	if to == StateClosed || to == StateFailed {
		return true
	}
	switch from {
	case StateInit:
		return to == StateHandshake
	case StateHandshake:
		return to == StateAuthenticated
	case StateAuthenticated:
		return to == StateReady
	case StateReady:
		return to == StateStreaming
	default:
		return false
	}
}
