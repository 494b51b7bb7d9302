package session

// State is a step in the session lifecycle:
//
//	INIT -> CONNECTING_BACKEND -> FAILED -> CLOSED
//	                           -> READY -> STREAMING <-> CHANGING_GARMENT -> CLOSING -> CLOSED
type State int

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateStreaming
	StateChangingGarment
	StateFailed
	StateClosing
	StateClosed
)

var stateNames = [...]string{
	StateInit:            "INIT",
	StateConnecting:      "CONNECTING_BACKEND",
	StateReady:           "READY",
	StateStreaming:       "STREAMING",
	StateChangingGarment: "CHANGING_GARMENT",
	StateFailed:          "FAILED",
	StateClosing:         "CLOSING",
	StateClosed:          "CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// active reports whether frames and commands may be sent.
func (s State) active() bool {
	return s == StateReady || s == StateStreaming || s == StateChangingGarment
}
