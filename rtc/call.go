package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/interfaces"
)

// hangupTimeout bounds delivery of the call-end signal.
const hangupTimeout = 2 * time.Second

// Call is one audio call negotiated over the signaler. It implements
// interfaces.Call.
type Call struct {
	t        *Transport
	id       string
	remote   string
	incoming bool
	offer    string

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	answered bool

	media     chan interfaces.MediaStream
	mediaOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func newCall(t *Transport, id, remote string, incoming bool) *Call {
	return &Call{
		t:        t,
		id:       id,
		remote:   remote,
		incoming: incoming,
		media:    make(chan interfaces.MediaStream, 1),
		done:     make(chan struct{}),
	}
}

// RemotePeerID implements interfaces.Call.
func (c *Call) RemotePeerID() string { return c.remote }

// RemoteMedia implements interfaces.Call. The stream arrives with the first
// media packet from the far side.
func (c *Call) RemoteMedia() <-chan interfaces.MediaStream { return c.media }

// Done implements interfaces.Call.
func (c *Call) Done() <-chan struct{} { return c.done }

// PlaceCall implements interfaces.Transport. local must be a stream
// created by this package, such as *LocalAudio. The call rings until the
// remote side answers or either side hangs up.
func (t *Transport) PlaceCall(ctx context.Context, peerID string, local interfaces.MediaStream) (interfaces.Call, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	src, ok := local.(trackSource)
	if !ok {
		return nil, ErrUnsupportedStream
	}
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	c := newCall(t, uuid.NewString(), peerID, false)
	if err := c.attach(pc, src); err != nil {
		pc.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.end(false)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	sdp, err := t.localDescription(ctx, pc, offer)
	if err != nil {
		c.end(false)
		return nil, err
	}

	answers := t.expect(c.id)
	if !t.addCall(c) {
		t.forget(c.id)
		c.end(false)
		return nil, ErrClosed
	}
	err = t.signaler.SendSignal(ctx, interfaces.Signal{
		From: t.self, To: peerID, Kind: interfaces.SignalCallOffer, Session: c.id, SDP: sdp,
	})
	if err != nil {
		t.forget(c.id)
		c.end(false)
		return nil, fmt.Errorf("send call offer: %w", err)
	}

	t.wg.Add(1)
	go c.awaitAnswer(answers)
	return c, nil
}

func (c *Call) awaitAnswer(answers <-chan interfaces.Signal) {
	defer c.t.wg.Done()
	defer c.t.forget(c.id)
	select {
	case sig := <-answers:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
		if err := c.peerConnection().SetRemoteDescription(answer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Call.awaitAnswer",
				"peer_id":  short(c.remote),
				"error":    err.Error(),
			}).Warn("Apply call answer failed")
			c.end(true)
		}
	case <-c.done:
	case <-c.t.ctx.Done():
	}
}

// attach adds the local tracks to pc and wires remote media and failure.
func (c *Call) attach(pc *webrtc.PeerConnection, src trackSource) error {
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
	for _, track := range src.localTracks() {
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mediaOnce.Do(func() { c.media <- newRemoteAudio(track) })
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.end(false)
		}
	})
	return nil
}

func (c *Call) peerConnection() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

// Answer implements interfaces.Call.
func (c *Call) Answer(local interfaces.MediaStream) error {
	c.mu.Lock()
	if !c.incoming || c.answered {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	c.answered = true
	c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	src, ok := local.(trackSource)
	if !ok {
		return ErrUnsupportedStream
	}
	pc, err := c.t.api.NewPeerConnection(c.t.config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	if err := c.attach(pc, src); err != nil {
		c.end(true)
		return err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.offer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		c.end(true)
		return fmt.Errorf("apply call offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.end(true)
		return fmt.Errorf("create answer: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.t.ctx, c.t.opts.AnswerTimeout)
	defer cancel()
	sdp, err := c.t.localDescription(ctx, pc, answer)
	if err != nil {
		c.end(true)
		return err
	}
	err = c.t.signaler.SendSignal(ctx, interfaces.Signal{
		From: c.t.self, To: c.remote, Kind: interfaces.SignalCallAnswer, Session: c.id, SDP: sdp,
	})
	if err != nil {
		c.end(true)
		return fmt.Errorf("send call answer: %w", err)
	}
	return nil
}

// Close implements interfaces.Call. The remote side is told to hang up.
func (c *Call) Close() error {
	c.end(true)
	return nil
}

// end finishes the call once. notify sends call-end to the remote peer.
func (c *Call) end(notify bool) {
	first := false
	c.doneOnce.Do(func() {
		close(c.done)
		first = true
	})
	if !first {
		return
	}
	c.t.removeCall(c.id)
	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		err := c.t.signaler.SendSignal(ctx, interfaces.Signal{
			From: c.t.self, To: c.remote, Kind: interfaces.SignalCallEnd, Session: c.id,
		})
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Call.end",
				"peer_id":  short(c.remote),
				"error":    err.Error(),
			}).Debug("Hangup signal not delivered")
		}
	}
	if pc := c.peerConnection(); pc != nil {
		pc.Close()
	}
}

func (t *Transport) addCall(c *Call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.calls[c.id] = c
	return true
}

func (t *Transport) removeCall(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

func (t *Transport) lookupCall(id string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[id]
}

// handleCallOffer queues an incoming call. When the queue is full the
// caller is hung up on.
func (t *Transport) handleCallOffer(sig interfaces.Signal) {
	if t.lookupCall(sig.Session) != nil {
		return
	}
	c := newCall(t, sig.Session, sig.From, true)
	c.offer = sig.SDP
	if !t.addCall(c) {
		return
	}
	select {
	case t.incoming <- c:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Transport.handleCallOffer",
			"peer_id":  short(sig.From),
		}).Warn("Rejecting call, queue full")
		go c.end(true)
	}
}

func (t *Transport) handleCallEnd(sig interfaces.Signal) {
	c := t.lookupCall(sig.Session)
	if c == nil || c.remote != sig.From {
		return
	}
	c.end(false)
}
