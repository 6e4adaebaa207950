package safenest

// State is the lifecycle state of a StreamSession.
type State string

const (
	// StateIdle is the state of a session that has not been opened yet.
	StateIdle State = "Idle"

	// StateConnecting means the connection is open but the server has not said it is ready.
	// Audio sent in this state is queued locally.
	StateConnecting State = "Connecting"

	// StateActive means audio is streamed to the server as it is submitted.
	StateActive State = "Active"

	// StateClosing means End was called and the session is waiting for the server's summary.
	StateClosing State = "Closing"

	// StateClosed means the session ended, either with a summary or because it was closed
	// locally.
	StateClosed State = "Closed"

	// StateErrored means the session failed. Err returns the reason.
	StateErrored State = "Errored"
)

// IsTerminal returns true if the state is a terminal state that cannot transition further.
func (s State) IsTerminal() bool {
	switch s {
	case StateClosed, StateErrored:
		return true
	default:
		return false
	}
}

// AcceptsAudio returns true if audio submitted in this state will be sent, now or once the
// session becomes active.
func (s State) AcceptsAudio() bool {
	switch s {
	case StateConnecting, StateActive:
		return true
	default:
		return false
	}
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}
