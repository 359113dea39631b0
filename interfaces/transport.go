package interfaces

import (
	"context"
)

// Conn is a reliable, ordered data channel to one remote peer. Once Dial or
// Accept returns a Conn the channel is open.
type Conn interface {
	// RemotePeerID returns the session peer-id of the other side.
	RemotePeerID() string

	// Send writes one frame. It is safe for concurrent use.
	Send(frame []byte) error

	// Recv blocks until the next frame arrives. It returns io.EOF after
	// Close or when the remote side closes.
	Recv() ([]byte, error)

	// Close shuts down the channel. It is idempotent.
	Close() error
}

// KeyedConn is a Conn whose link handshake binds it to an X25519 key. The
// second result is false when the link proved no key; otherwise the remote
// holds the private half of the returned public key.
type KeyedConn interface {
	Conn
	RemotePublicKey() ([32]byte, bool)
}

// MediaStream is an opaque local or remote media source handed through the
// transport for calls. The core never inspects media content.
type MediaStream interface {
	ID() string
	// Stop releases the capture tracks behind the stream.
	Stop()
}

// Call is one media call between two peers.
type Call interface {
	RemotePeerID() string

	// Answer accepts an incoming call with the local media.
	Answer(local MediaStream) error

	// RemoteMedia delivers the remote stream once it is available.
	RemoteMedia() <-chan MediaStream

	// Done is closed when the call ends from either side.
	Done() <-chan struct{}

	Close() error
}

// Transport opens data channels and calls to peers addressed by peer-id.
type Transport interface {
	// LocalPeerID is the peer-id this transport accepts connections for.
	LocalPeerID() string

	// Dial opens a new data channel to peerID.
	Dial(ctx context.Context, peerID string) (Conn, error)

	// Accept delivers inbound data channels until the transport is closed.
	Accept() <-chan Conn

	// PlaceCall starts a media call to peerID.
	PlaceCall(ctx context.Context, peerID string, local MediaStream) (Call, error)

	// IncomingCalls delivers calls placed by remote peers until Close.
	IncomingCalls() <-chan Call

	Close() error
}

// RosterObserver is implemented by transports that resolve peer-ids from
// the addresses published in roster records.
type RosterObserver interface {
	ObserveRoster(records []PeerRecord)
}

// Advertiser is implemented by transports whose peers need a network
// address from the directory to reach them.
type Advertiser interface {
	AdvertisedAddress() string
}
