package transport

import "errors"

var (
	// ErrClosed is returned by operations on a closed transport or conn.
	ErrClosed = errors.New("transport closed")
	// ErrNoAddress is returned when a peer-id has no known address.
	ErrNoAddress = errors.New("no address for peer")
	// ErrPeerMismatch is returned when the handshake reveals a different
	// peer than the one dialed.
	ErrPeerMismatch = errors.New("remote peer-id mismatch")
	// ErrCallsUnsupported is returned by PlaceCall: TCP carries data only.
	ErrCallsUnsupported = errors.New("calls not supported by tcp transport")
	// ErrRecordTooLarge is returned when a record exceeds the Noise limit.
	ErrRecordTooLarge = errors.New("record too large")
)
