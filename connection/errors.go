package connection

import "errors"

var (
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("connection manager closed")
	// ErrSendTimeout is returned when no secure channel became available
	// within the grace period.
	ErrSendTimeout = errors.New("no secure connection within grace period")
	// ErrNotConnected is returned by Post when the peer is not secure.
	ErrNotConnected = errors.New("peer not connected")
	// ErrDialFailed is returned to queued sends after the retry also failed.
	ErrDialFailed = errors.New("could not reach peer")
	// ErrPeerGone is returned to queued sends when the peer is evicted.
	ErrPeerGone = errors.New("peer left the room")
	// ErrBadPeerKey is returned when the roster key cannot be used.
	ErrBadPeerKey = errors.New("peer public key unusable")
)
