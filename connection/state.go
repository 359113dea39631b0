package connection

import (
	"fmt"
	"time"

	"github.com/opd-ai/parallel/crypto"
)

// State is the lifecycle of the connection to one peer.
type State uint8

const (
	// StateUnconnected means no channel exists and none is being opened.
	StateUnconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateTransportOpen means a channel is open but the session key is not
	// yet available.
	StateTransportOpen
	// StateSecure means the channel is open and frames can be exchanged.
	StateSecure
	// StateClosed means the channel was closed and not replaced.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateTransportOpen:
		return "transport-open"
	case StateSecure:
		return "secure"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// PeerInfo is a point-in-time view of one known peer.
type PeerInfo struct {
	PeerID      string
	DisplayName string
	PublicKey   crypto.PublicKey
	Address     string
	LastSeen    time.Time
	State       State
	// Listed is false for peers known only from an inbound channel.
	Listed bool
}

// PeerEventKind classifies roster changes.
type PeerEventKind uint8

const (
	// PeerJoined reports a peer seen in the roster for the first time.
	PeerJoined PeerEventKind = iota
	// PeerUpdated reports a changed display name or key.
	PeerUpdated
	// PeerLeft reports an evicted peer.
	PeerLeft
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerUpdated:
		return "updated"
	case PeerLeft:
		return "left"
	default:
		return fmt.Sprintf("peer-event(%d)", uint8(k))
	}
}

// PeerEvent is delivered to the peer observer.
type PeerEvent struct {
	Kind PeerEventKind
	Peer PeerInfo
}

// StateChange is delivered to the state observer for every transition.
type StateChange struct {
	PeerID string
	From   State
	To     State
}
