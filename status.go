package parallel

import "fmt"

// ConnectionStatus is the session's link to the room as shown to the user.
type ConnectionStatus uint8

const (
	// StatusDisconnected means the session has not joined or was closed.
	StatusDisconnected ConnectionStatus = iota
	// StatusConnecting means the session is registering in the room.
	StatusConnecting
	// StatusConnected means the session is announced and receiving the
	// roster.
	StatusConnected
	// StatusError means the directory stream failed.
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}
