package transport

import (
	"fmt"
	"sync"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
)

// Endpoint is where a peer listens and the key it must prove there.
type Endpoint struct {
	Address   string
	PublicKey crypto.PublicKey
}

// Resolver maps session peer-ids to dialable endpoints.
type Resolver struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{endpoints: make(map[string]Endpoint)}
}

// Set records the endpoint of peerID.
func (r *Resolver) Set(peerID, addr string, key crypto.PublicKey) {
	r.mu.Lock()
	r.endpoints[peerID] = Endpoint{Address: addr, PublicKey: key}
	r.mu.Unlock()
}

// Update replaces the known endpoints with those carried by records.
// Records without an address or a valid public key are ignored.
func (r *Resolver) Update(records []interfaces.PeerRecord) {
	next := make(map[string]Endpoint, len(records))
	for _, rec := range records {
		if rec.Address == "" {
			continue
		}
		key, err := crypto.ParsePublicKey(rec.PublicKey)
		if err != nil {
			continue
		}
		next[rec.PeerID] = Endpoint{Address: rec.Address, PublicKey: key}
	}
	r.mu.Lock()
	r.endpoints = next
	r.mu.Unlock()
}

// Resolve returns the endpoint of peerID.
func (r *Resolver) Resolve(peerID string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[peerID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoAddress, peerID)
	}
	return ep, nil
}
