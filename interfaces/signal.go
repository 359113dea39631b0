package interfaces

import "context"

// SignalKind identifies a signaling message.
type SignalKind string

const (
	SignalOffer      SignalKind = "offer"
	SignalAnswer     SignalKind = "answer"
	SignalCallOffer  SignalKind = "call-offer"
	SignalCallAnswer SignalKind = "call-answer"
	SignalCallEnd    SignalKind = "call-end"
)

// Signal is one negotiation message relayed between two peers. Session
// correlates an offer with its answer.
type Signal struct {
	From    string     `json:"from"`
	To      string     `json:"to"`
	Kind    SignalKind `json:"kind"`
	Session string     `json:"session"`
	SDP     string     `json:"sdp,omitempty"`
}

// Signaler relays negotiation messages for transports that cannot reach a
// peer before exchanging session descriptions through a third party. Like
// the directory it is trusted for routing only.
type Signaler interface {
	// SendSignal delivers sig to the peer named by sig.To.
	SendSignal(ctx context.Context, sig Signal) error

	// Signals delivers messages addressed to peerID until ctx is cancelled,
	// after which the channel is closed.
	Signals(ctx context.Context, peerID string) (<-chan Signal, error)
}
