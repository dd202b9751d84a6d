// ABOUTME: Connection state machine for a tool server client
// ABOUTME: Disconnected -> Connecting -> Ready <-> Degraded, and back to Disconnected

package tools

// State is the connection state of one tool server.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
