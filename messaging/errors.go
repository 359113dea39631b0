package messaging

import "errors"

var (
	// ErrUnknownPayload indicates a payload type name that is not recognised.
	ErrUnknownPayload = errors.New("unknown payload type")
	// ErrUnknownFrame indicates a frame whose kind byte is not recognised.
	ErrUnknownFrame = errors.New("unknown frame kind")
	// ErrMalformedFrame indicates a frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrNoKey indicates a chat envelope was sealed or opened without a key.
	ErrNoKey = errors.New("no session key")
	// ErrInvalidTarget indicates an empty or malformed recipient.
	ErrInvalidTarget = errors.New("invalid recipient")
	// ErrDeliveryFailed wraps the reason a message ended in the failed state.
	ErrDeliveryFailed = errors.New("message delivery failed")
	// ErrNoPeers indicates a broadcast found no peer with a secure connection.
	ErrNoPeers = errors.New("no connected peers")
)
