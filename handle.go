package mqttsession

import "strings"

// Handle identifies a Connection. It is derived from the server address,
// the client identifier and the owning application identifier.
type Handle string

// NewHandle builds the handle for (serverURI, clientID, appID).
func NewHandle(serverURI, clientID, appID string) Handle {
	return Handle(strings.Join([]string{serverURI, clientID, appID}, ":"))
}

// String returns the handle as a string.
func (h Handle) String() string {
	return string(h)
}

// State is the lifecycle state of a Connection.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// canConnect reports whether a connect may be started from this state.
func (s State) canConnect() bool {
	switch s {
	case StateNone, StateDisconnected, StateError:
		return true
	default:
		return false
	}
}
