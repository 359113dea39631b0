package parallel

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/interfaces"
)

// callState holds at most one active call and one pending incoming call.
type callState struct {
	mu       sync.Mutex
	active   interfaces.Call
	local    interfaces.MediaStream
	remote   interfaces.MediaStream
	incoming interfaces.Call
}

// OnIncomingCall registers fn for calls placed by remote peers.
func (s *Session) OnIncomingCall(fn func(peerID string)) {
	s.cbMu.Lock()
	s.onIncomingCall = fn
	s.cbMu.Unlock()
}

// OnRemoteMedia registers fn for the remote stream of the active call.
func (s *Session) OnRemoteMedia(fn func(interfaces.MediaStream)) {
	s.cbMu.Lock()
	s.onRemoteMedia = fn
	s.cbMu.Unlock()
}

// OnCallEnded registers fn for the end of the active or pending call.
func (s *Session) OnCallEnded(fn func()) {
	s.cbMu.Lock()
	s.onCallEnded = fn
	s.cbMu.Unlock()
}

// InCall reports whether a call is active.
func (s *Session) InCall() bool {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	return s.calls.active != nil
}

// IncomingCall returns the peer-id of the pending incoming call.
func (s *Session) IncomingCall() (string, bool) {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	if s.calls.incoming == nil {
		return "", false
	}
	return s.calls.incoming.RemotePeerID(), true
}

// RemoteMedia returns the remote stream of the active call, or nil.
func (s *Session) RemoteMedia() interfaces.MediaStream {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	return s.calls.remote
}

// PlaceCall calls peerID with the local media stream.
func (s *Session) PlaceCall(ctx context.Context, peerID string, local interfaces.MediaStream) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if _, ok := s.manager.Peer(peerID); !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, short(peerID))
	}
	s.calls.mu.Lock()
	busy := s.calls.active != nil
	s.calls.mu.Unlock()
	if busy {
		return ErrCallAlreadyActive
	}

	call, err := s.transport.PlaceCall(ctx, peerID, local)
	if err != nil {
		return fmt.Errorf("place call: %w", err)
	}

	s.calls.mu.Lock()
	if s.calls.active != nil {
		s.calls.mu.Unlock()
		call.Close()
		return ErrCallAlreadyActive
	}
	s.calls.active, s.calls.local = call, local
	s.calls.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.PlaceCall",
		"peer_id":  short(peerID),
	}).Info("Placing call")
	s.watchCall(call)
	return nil
}

// AnswerCall accepts the pending incoming call with the local media.
func (s *Session) AnswerCall(local interfaces.MediaStream) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.calls.mu.Lock()
	call := s.calls.incoming
	if call == nil {
		s.calls.mu.Unlock()
		return ErrNoIncomingCall
	}
	if s.calls.active != nil {
		s.calls.mu.Unlock()
		return ErrCallAlreadyActive
	}
	s.calls.incoming = nil
	s.calls.active, s.calls.local = call, local
	s.calls.mu.Unlock()

	if err := call.Answer(local); err != nil {
		s.calls.mu.Lock()
		if s.calls.active == call {
			s.calls.active, s.calls.local = nil, nil
		}
		s.calls.mu.Unlock()
		call.Close()
		return fmt.Errorf("answer call: %w", err)
	}
	s.watchCall(call)
	return nil
}

// EndCall hangs up the active call, rejects a pending one and stops the
// local media.
func (s *Session) EndCall() error {
	if !s.endCalls() {
		return ErrNoActiveCall
	}
	return nil
}

// endCalls tears down both call slots and reports whether anything ended.
func (s *Session) endCalls() bool {
	s.calls.mu.Lock()
	active, local, incoming := s.calls.active, s.calls.local, s.calls.incoming
	s.calls.active, s.calls.local, s.calls.remote, s.calls.incoming = nil, nil, nil, nil
	s.calls.mu.Unlock()

	if active == nil && incoming == nil {
		return false
	}
	if active != nil {
		active.Close()
	}
	if local != nil {
		local.Stop()
	}
	if incoming != nil {
		incoming.Close()
	}

	s.cbMu.RLock()
	fn := s.onCallEnded
	s.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
	return true
}

// watchCall follows the active call until it ends.
func (s *Session) watchCall(call interfaces.Call) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		media := call.RemoteMedia()
		for {
			select {
			case stream := <-media:
				media = nil
				s.calls.mu.Lock()
				current := s.calls.active == call
				if current {
					s.calls.remote = stream
				}
				s.calls.mu.Unlock()
				if !current {
					return
				}
				s.cbMu.RLock()
				fn := s.onRemoteMedia
				s.cbMu.RUnlock()
				if fn != nil {
					fn(stream)
				}
			case <-call.Done():
				s.calls.mu.Lock()
				current := s.calls.active == call
				s.calls.mu.Unlock()
				if current {
					s.endCalls()
				}
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// acceptCalls receives calls until the session ends. A call arriving while
// another is active or pending is rejected.
func (s *Session) acceptCalls() {
	incoming := s.transport.IncomingCalls()
	for {
		select {
		case <-s.ctx.Done():
			return
		case call := <-incoming:
			if call == nil {
				continue
			}
			s.calls.mu.Lock()
			busy := s.calls.active != nil || s.calls.incoming != nil
			if !busy {
				s.calls.incoming = call
			}
			s.calls.mu.Unlock()

			logger := logrus.WithFields(logrus.Fields{
				"function": "Session.acceptCalls",
				"peer_id":  short(call.RemotePeerID()),
			})
			if busy {
				logger.Info("Rejecting call while busy")
				call.Close()
				continue
			}
			logger.Info("Incoming call")
			s.watchPending(call)

			s.cbMu.RLock()
			fn := s.onIncomingCall
			s.cbMu.RUnlock()
			if fn != nil {
				fn(call.RemotePeerID())
			}
		}
	}
}

// watchPending clears the incoming slot if the caller hangs up first.
func (s *Session) watchPending(call interfaces.Call) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-call.Done():
			s.calls.mu.Lock()
			pending := s.calls.incoming == call
			if pending {
				s.calls.incoming = nil
			}
			s.calls.mu.Unlock()
			if pending {
				s.cbMu.RLock()
				fn := s.onCallEnded
				s.cbMu.RUnlock()
				if fn != nil {
					fn()
				}
			}
		case <-s.ctx.Done():
		}
	}()
}
