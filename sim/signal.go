package sim

import (
	"context"
	"sync"

	"github.com/opd-ai/parallel/interfaces"
)

// Switchboard is an in-memory interfaces.Signaler. Like pub/sub, a signal
// for a peer that is not listening is dropped.
type Switchboard struct {
	mu    sync.Mutex
	subs  map[string]chan interfaces.Signal
	sent  []interfaces.Signal
	drops int
}

// NewSwitchboard creates an empty switchboard.
func NewSwitchboard() *Switchboard {
	return &Switchboard{subs: make(map[string]chan interfaces.Signal)}
}

// SendSignal implements interfaces.Signaler.
func (s *Switchboard) SendSignal(ctx context.Context, sig interfaces.Signal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	ch, ok := s.subs[sig.To]
	if !ok {
		s.drops++
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signals implements interfaces.Signaler. A second listener for the same
// peer replaces the first.
func (s *Switchboard) Signals(ctx context.Context, peerID string) (<-chan interfaces.Signal, error) {
	ch := make(chan interfaces.Signal, 16)
	s.mu.Lock()
	s.subs[peerID] = ch
	s.mu.Unlock()

	out := make(chan interfaces.Signal, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				if s.subs[peerID] == ch {
					delete(s.subs, peerID)
				}
				s.mu.Unlock()
				return
			case sig := <-ch:
				select {
				case out <- sig:
				case <-ctx.Done():
				}
			}
		}
	}()
	return out, nil
}

// Sent returns every signal passed to SendSignal.
func (s *Switchboard) Sent() []interfaces.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interfaces.Signal(nil), s.sent...)
}

// Dropped counts signals addressed to peers that were not listening.
func (s *Switchboard) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}
