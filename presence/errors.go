package presence

import "errors"

var (
	// ErrInvalidRoom indicates an empty or oversized room identifier.
	ErrInvalidRoom = errors.New("invalid room")
	// ErrInvalidRecord indicates a peer record without a usable peer-id.
	ErrInvalidRecord = errors.New("invalid peer record")
	// ErrNotJoined is returned by Heartbeat before Join or after Leave.
	ErrNotJoined = errors.New("not joined")
	// ErrNotRegistered is returned by a directory heartbeat for an unknown
	// peer.
	ErrNotRegistered = errors.New("peer not registered")
)
