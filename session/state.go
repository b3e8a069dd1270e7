package session

// State represents what state a session is currently in.
type State int

const (
	StateConnecting   State = iota // 0 - dialing the first connection
	StateSubscribing               // 1 - welcome received, waiting for the channel
	StateConnected                 // 2 - fully live, records flowing
	StateReconnecting              // 3 - transport dropped, re-running the handshake
	StateClosing                   // 4 - end-of-transmission requested, draining
	StateClosed                    // 5 - terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// allowed defines which state changes are legal.
// Closed is terminal, nothing can come after it.
var allowed = map[State][]State{
	StateConnecting:   {StateSubscribing, StateClosed},
	StateSubscribing:  {StateConnected, StateClosed},
	StateConnected:    {StateReconnecting, StateClosing, StateClosed},
	StateReconnecting: {StateConnected, StateClosing, StateClosed},
	StateClosing:      {StateReconnecting, StateClosed},
	StateClosed:       {}, // terminal, no exits
}

// isValidTransition reports whether from -> to is legal.
func isValidTransition(from, to State) bool {
	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}
