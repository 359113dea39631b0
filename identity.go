package parallel

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
)

// Identity is who the local user is for one session. The peer-id is a
// random UUID and the keypair is ephemeral, so nothing links two sessions
// of the same user.
type Identity struct {
	PeerID      string
	DisplayName string
	Keys        *crypto.KeyPair
}

// NewIdentity creates a fresh identity for displayName.
func NewIdentity(displayName string) (*Identity, error) {
	if err := limits.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: peer-id: %w", ErrIdentity, err)
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentity, err)
	}
	return &Identity{PeerID: id.String(), DisplayName: displayName, Keys: keys}, nil
}

// Record returns the presence record announcing this identity.
func (id *Identity) Record() interfaces.PeerRecord {
	return interfaces.PeerRecord{
		PeerID:      id.PeerID,
		DisplayName: id.DisplayName,
		PublicKey:   id.Keys.Public.String(),
	}
}
