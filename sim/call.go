package sim

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/parallel/interfaces"
)

// ErrAlreadyAnswered is returned when Answer is called twice or by the caller.
var ErrAlreadyAnswered = errors.New("call already answered")

// Stream is an opaque media stream for tests.
type Stream struct {
	id      string
	stopped atomic.Bool
}

// NewStream creates a stream with the given id.
func NewStream(id string) *Stream { return &Stream{id: id} }

// ID implements interfaces.MediaStream.
func (s *Stream) ID() string { return s.id }

// Stop implements interfaces.MediaStream.
func (s *Stream) Stop() { s.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool { return s.stopped.Load() }

type callShared struct {
	done     chan struct{}
	once     sync.Once
	answered atomic.Bool
}

// Call is one side of a simulated media call.
type Call struct {
	shared   *callShared
	remote   string
	incoming bool
	local    interfaces.MediaStream
	media    chan interfaces.MediaStream
	peer     *Call
}

func newCallPair(caller, callee string, local interfaces.MediaStream) (*Call, *Call) {
	shared := &callShared{done: make(chan struct{})}
	out := &Call{shared: shared, remote: callee, local: local, media: make(chan interfaces.MediaStream, 1)}
	in := &Call{shared: shared, remote: caller, incoming: true, media: make(chan interfaces.MediaStream, 1)}
	out.peer, in.peer = in, out
	return out, in
}

// RemotePeerID implements interfaces.Call.
func (c *Call) RemotePeerID() string { return c.remote }

// Answer implements interfaces.Call. Both sides receive the other's stream.
func (c *Call) Answer(local interfaces.MediaStream) error {
	if !c.incoming || !c.shared.answered.CompareAndSwap(false, true) {
		return ErrAlreadyAnswered
	}
	select {
	case <-c.shared.done:
		return ErrClosed
	default:
	}
	c.local = local
	c.peer.media <- local
	if c.peer.local != nil {
		c.media <- c.peer.local
	}
	return nil
}

// RemoteMedia implements interfaces.Call.
func (c *Call) RemoteMedia() <-chan interfaces.MediaStream { return c.media }

// Done implements interfaces.Call.
func (c *Call) Done() <-chan struct{} { return c.shared.done }

// Close implements interfaces.Call. Either side ends the call for both.
func (c *Call) Close() error {
	c.shared.once.Do(func() { close(c.shared.done) })
	return nil
}
