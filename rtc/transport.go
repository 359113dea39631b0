package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
)

const (
	// DefaultGatherTimeout bounds ICE candidate gathering per negotiation.
	DefaultGatherTimeout = 5 * time.Second
	// DefaultAnswerTimeout bounds how long an inbound offer may take to
	// produce an open data channel.
	DefaultAnswerTimeout = 15 * time.Second

	channelLabel = "parallel"
	acceptBuffer = 16
	callBuffer   = 4
)

// Options tunes a Transport.
type Options struct {
	// ICEServers lists STUN or TURN URLs. Empty means host candidates only.
	ICEServers    []string
	GatherTimeout time.Duration
	AnswerTimeout time.Duration
	// IncludeLoopback gathers 127.0.0.1 candidates so peers on one host
	// without other interfaces can connect.
	IncludeLoopback bool
}

// Transport carries data channels and audio calls over WebRTC. Session
// descriptions travel through the Signaler; candidates are gathered before
// each description is sent. It implements interfaces.Transport.
type Transport struct {
	self     string
	signaler interfaces.Signaler
	api      *webrtc.API
	config   webrtc.Configuration
	opts     Options

	accept   chan interfaces.Conn
	incoming chan interfaces.Call

	mu      sync.Mutex
	closed  bool
	answers map[string]chan interfaces.Signal
	conns   map[*dataConn]struct{}
	calls   map[string]*Call

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a transport for peerID and starts listening for signals.
func New(peerID string, signaler interfaces.Signaler, opts Options) (*Transport, error) {
	if peerID == "" || len(peerID) > limits.MaxPeerID {
		return nil, fmt.Errorf("invalid local peer-id %q", peerID)
	}
	if signaler == nil {
		return nil, fmt.Errorf("rtc: signaler required")
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = DefaultAnswerTimeout
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals, err := signaler.Signals(ctx, peerID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen for signals: %w", err)
	}

	t := &Transport{
		self:     peerID,
		signaler: signaler,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config:   config,
		opts:     opts,
		accept:   make(chan interfaces.Conn, acceptBuffer),
		incoming: make(chan interfaces.Call, callBuffer),
		answers:  make(map[string]chan interfaces.Signal),
		conns:    make(map[*dataConn]struct{}),
		calls:    make(map[string]*Call),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.wg.Add(1)
	go t.run(signals)
	return t, nil
}

// LocalPeerID implements interfaces.Transport.
func (t *Transport) LocalPeerID() string { return t.self }

// Accept implements interfaces.Transport.
func (t *Transport) Accept() <-chan interfaces.Conn { return t.accept }

// IncomingCalls implements interfaces.Transport.
func (t *Transport) IncomingCalls() <-chan interfaces.Call { return t.incoming }

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Dial implements interfaces.Transport. It returns once the data channel
// is open.
func (t *Transport) Dial(ctx context.Context, peerID string) (interfaces.Conn, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	conn := newDataConn(peerID, pc, dc)
	fail := func(err error) (interfaces.Conn, error) {
		conn.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	sdp, err := t.localDescription(ctx, pc, offer)
	if err != nil {
		return fail(err)
	}

	session := uuid.NewString()
	answers := t.expect(session)
	defer t.forget(session)
	err = t.signaler.SendSignal(ctx, interfaces.Signal{
		From: t.self, To: peerID, Kind: interfaces.SignalOffer, Session: session, SDP: sdp,
	})
	if err != nil {
		return fail(fmt.Errorf("send offer: %w", err))
	}

	select {
	case sig := <-answers:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
		if err := pc.SetRemoteDescription(answer); err != nil {
			return fail(fmt.Errorf("apply answer: %w", err))
		}
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-t.ctx.Done():
		return fail(ErrClosed)
	}

	if err := conn.waitOpen(ctx); err != nil {
		return fail(err)
	}
	if !t.track(conn) {
		return fail(ErrClosed)
	}
	return conn, nil
}

// localDescription applies desc and waits for gathering so the returned
// SDP carries every candidate.
func (t *Transport) localDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	timer := time.NewTimer(t.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		return "", ErrGatherTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (t *Transport) expect(session string) chan interfaces.Signal {
	ch := make(chan interfaces.Signal, 1)
	t.mu.Lock()
	t.answers[session] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) forget(session string) {
	t.mu.Lock()
	delete(t.answers, session)
	t.mu.Unlock()
}

func (t *Transport) track(c *dataConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if !c.setOnClose(t.untrack) {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Transport) untrack(c *dataConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *Transport) run(signals <-chan interfaces.Signal) {
	defer t.wg.Done()
	for sig := range signals {
		if sig.To != t.self || sig.From == "" || sig.Session == "" {
			continue
		}
		switch sig.Kind {
		case interfaces.SignalOffer:
			t.wg.Add(1)
			go func(sig interfaces.Signal) {
				defer t.wg.Done()
				t.handleOffer(sig)
			}(sig)
		case interfaces.SignalAnswer, interfaces.SignalCallAnswer:
			t.routeAnswer(sig)
		case interfaces.SignalCallOffer:
			t.handleCallOffer(sig)
		case interfaces.SignalCallEnd:
			t.handleCallEnd(sig)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Transport.run",
				"kind":     string(sig.Kind),
				"from":     short(sig.From),
			}).Debug("Ignoring unknown signal")
		}
	}
}

func (t *Transport) routeAnswer(sig interfaces.Signal) {
	t.mu.Lock()
	ch, ok := t.answers[sig.Session]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- sig:
	default:
	}
}

// handleOffer answers an inbound data channel negotiation and delivers
// the channel on Accept once it opens.
func (t *Transport) handleOffer(sig interfaces.Signal) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Transport.handleOffer",
		"from":     short(sig.From),
	})
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.AnswerTimeout)
	defer cancel()

	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		log.WithError(err).Warn("Create peer connection failed")
		return
	}
	conns := make(chan *dataConn, 1)
	var claimed atomic.Bool
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel || !claimed.CompareAndSwap(false, true) {
			dc.Close()
			return
		}
		conns <- newDataConn(sig.From, pc, dc)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		log.WithError(err).Warn("Apply offer failed")
		pc.Close()
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.WithError(err).Warn("Create answer failed")
		pc.Close()
		return
	}
	sdp, err := t.localDescription(ctx, pc, answer)
	if err != nil {
		log.WithError(err).Warn("Gathering failed")
		pc.Close()
		return
	}
	err = t.signaler.SendSignal(ctx, interfaces.Signal{
		From: t.self, To: sig.From, Kind: interfaces.SignalAnswer, Session: sig.Session, SDP: sdp,
	})
	if err != nil {
		log.WithError(err).Warn("Send answer failed")
		pc.Close()
		return
	}

	var conn *dataConn
	select {
	case conn = <-conns:
	case <-ctx.Done():
		log.Debug("No data channel before timeout")
		pc.Close()
		return
	}
	if err := conn.waitOpen(ctx); err != nil {
		conn.Close()
		return
	}
	if !t.track(conn) {
		conn.Close()
		return
	}
	select {
	case t.accept <- conn:
	case <-t.ctx.Done():
		conn.Close()
	}
}

// Close implements interfaces.Transport. Active calls are hung up first so
// the remote side is told.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*dataConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	calls := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}
	t.cancel()
	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
