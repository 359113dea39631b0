package parallel

import "errors"

// Session errors.
var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoTransport indicates Options.Transport was not set.
	ErrNoTransport = errors.New("no transport configured")

	// ErrNoDirectory indicates Options.Directory was not set.
	ErrNoDirectory = errors.New("no presence directory configured")

	// ErrIdentity indicates the session identity could not be created.
	ErrIdentity = errors.New("session identity unavailable")
)

// Call errors.
var (
	// ErrPeerNotFound indicates the peer-id is not in the room.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrCallAlreadyActive indicates a call is already in progress.
	ErrCallAlreadyActive = errors.New("call already active")

	// ErrNoIncomingCall indicates there is no pending call to answer.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrNoActiveCall indicates there is no call to end.
	ErrNoActiveCall = errors.New("no active call")
)
