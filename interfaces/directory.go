package interfaces

import (
	"context"
	"time"
)

// PeerRecord is one participant's entry in a room directory.
type PeerRecord struct {
	PeerID      string    `json:"peer_id"`
	DisplayName string    `json:"display_name"`
	PublicKey   string    `json:"public_key"`
	Address     string    `json:"address,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Directory is the presence store that peers use to discover each other.
// It is trusted to route correctly but never sees message content.
type Directory interface {
	// Register writes or overwrites rec under room. Implementations set
	// LastSeen to their own clock.
	Register(ctx context.Context, room string, rec PeerRecord) error

	// Heartbeat refreshes LastSeen for peerID.
	Heartbeat(ctx context.Context, room, peerID string) error

	// Subscribe pushes the full room membership on every change until ctx
	// is cancelled, after which the channel is closed.
	Subscribe(ctx context.Context, room string) (<-chan []PeerRecord, error)

	// Unregister removes peerID from room.
	Unregister(ctx context.Context, room, peerID string) error
}
