package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
)

const dispatchBuffer = 1024

// Manager owns the connection to every peer in a room. All peer state is
// confined to a single goroutine that consumes roster updates, dial results,
// inbound channels, frames and user commands from one event channel, so the
// transitions for a peer never interleave.
type Manager struct {
	transport interfaces.Transport
	self      string
	keys      *crypto.KeyPair
	opts      Options
	handler   FrameHandler

	events   chan any
	dispatch chan func()
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	closing  sync.Once
	wg       sync.WaitGroup

	// Owned by the run goroutine.
	peers   map[string]*peer
	retired map[uint64]*peerConn
	connSeq uint64

	mu       sync.RWMutex
	snapshot map[string]PeerInfo
	onState  func(StateChange)
	onPeer   func(PeerEvent)
}

// NewManager creates a manager that opens channels through transport and
// derives session keys from keys. Call Start to begin processing.
func NewManager(transport interfaces.Transport, keys *crypto.KeyPair, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		self:      transport.LocalPeerID(),
		keys:      keys,
		opts:      opts.withDefaults(),
		events:    make(chan any, 64),
		dispatch:  make(chan func(), dispatchBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*peer),
		retired:   make(map[uint64]*peerConn),
		snapshot:  make(map[string]PeerInfo),
	}
}

// Start begins accepting channels and processing events. Inbound frames
// from secure peers are passed to handler.
func (m *Manager) Start(handler FrameHandler) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	if handler == nil {
		handler = FrameHandlerFunc(func(string, *crypto.SharedKey, []byte) []byte { return nil })
	}
	m.handler = handler

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Start",
		"peer_id":  short(m.self),
	}).Info("Starting connection manager")

	m.wg.Add(3)
	go m.run()
	go m.dispatchLoop()
	go m.acceptLoop()
}

// OnStateChange registers fn for every peer state transition. Callbacks run
// on the dispatch goroutine in order.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnPeerEvent registers fn for roster joins, updates and evictions.
func (m *Manager) OnPeerEvent(fn func(PeerEvent)) {
	m.mu.Lock()
	m.onPeer = fn
	m.mu.Unlock()
}

// UpdateRoster hands the latest room membership to the manager.
func (m *Manager) UpdateRoster(records []interfaces.PeerRecord) error {
	cp := make([]interfaces.PeerRecord, len(records))
	copy(cp, records)
	if !m.post(rosterUpdate{records: cp}) {
		return ErrManagerClosed
	}
	return nil
}

// Send transmits the frame produced by seal once the channel to peerID is
// secure. It waits at most the grace period, or until ctx is done, and
// guarantees that a frame is never written after Send has returned an error.
func (m *Manager) Send(ctx context.Context, peerID string, seal Sealer) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.SendGracePeriod)
	defer cancel()

	req := newSendRequest(peerID, seal)
	select {
	case m.events <- sendCmd{req: req}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendTimeout, ctx.Err())
	case <-m.done:
		return ErrManagerClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		if req.abandon() {
			return fmt.Errorf("%w: %w", ErrSendTimeout, ctx.Err())
		}
		return <-req.result
	case <-m.done:
		if req.abandon() {
			return ErrManagerClosed
		}
		return <-req.result
	}
}

// Post transmits immediately if peerID is secure and returns
// ErrNotConnected otherwise.
func (m *Manager) Post(peerID string, seal Sealer) error {
	result := make(chan error, 1)
	if !m.post(postCmd{peerID: peerID, seal: seal, result: result}) {
		return ErrManagerClosed
	}
	select {
	case err := <-result:
		return err
	case <-m.done:
		return ErrManagerClosed
	}
}

// Broadcast transmits to every secure peer, sealing once per peer, and
// returns how many transmissions succeeded.
func (m *Manager) Broadcast(ctx context.Context, seal Sealer) (int, error) {
	result := make(chan int, 1)
	select {
	case m.events <- broadcastCmd{seal: seal, result: result}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, ErrManagerClosed
	}
	select {
	case n := <-result:
		return n, nil
	case <-m.done:
		return 0, ErrManagerClosed
	}
}

// Peers returns every known peer ordered by peer-id.
func (m *Manager) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.snapshot))
	for _, info := range m.snapshot {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Peer returns the current view of peerID.
func (m *Manager) Peer(peerID string) (PeerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.snapshot[peerID]
	return info, ok
}

// Close closes every channel, fails pending sends and waits for the
// manager goroutines to exit. It does not close the transport.
func (m *Manager) Close() error {
	m.closing.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Close",
			"peer_id":  short(m.self),
		}).Info("Closing connection manager")

		m.cancel()
		close(m.done)
		if !m.started.Load() {
			m.shutdown()
		}
		m.wg.Wait()
		for _, p := range m.peers {
			if p.key != nil {
				p.key.Wipe()
			}
		}
	})
	return nil
}

type (
	rosterUpdate struct{ records []interfaces.PeerRecord }
	inboundConn  struct{ conn interfaces.Conn }
	dialResult   struct {
		peerID  string
		attempt uint64
		conn    interfaces.Conn
		err     error
	}
	retryDial struct {
		peerID  string
		attempt uint64
	}
	frameIn struct {
		peerID string
		connID uint64
		frame  []byte
	}
	connClosed struct {
		peerID string
		connID uint64
		err    error
	}
	keyResult struct {
		peerID string
		pub    crypto.PublicKey
		key    *crypto.SharedKey
		err    error
	}
	sendCmd      struct{ req *sendRequest }
	postCmd      struct {
		peerID string
		seal   Sealer
		result chan error
	}
	broadcastCmd struct {
		seal   Sealer
		result chan int
	}
	sweepCmd      struct{ done chan struct{} }
	retireExpired struct{ connID uint64 }
)

func (m *Manager) post(ev any) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			m.shutdown()
			return
		}
		m.publish()
	}
}

func (m *Manager) handle(ev any) {
	switch e := ev.(type) {
	case rosterUpdate:
		m.handleRoster(e.records)
	case inboundConn:
		m.handleInbound(e.conn)
	case dialResult:
		m.handleDialResult(e)
	case retryDial:
		m.handleRetry(e)
	case frameIn:
		m.handleFrame(e)
	case connClosed:
		m.handleConnClosed(e)
	case keyResult:
		m.handleKey(e)
	case sendCmd:
		m.handleSend(e.req)
	case postCmd:
		e.result <- m.handlePost(e.peerID, e.seal)
	case broadcastCmd:
		e.result <- m.handleBroadcast(e.seal)
	case sweepCmd:
		m.sweep()
		close(e.done)
	case retireExpired:
		m.handleRetireExpired(e.connID)
	case inspectCmd:
		e.fn()
		close(e.done)
	}
}

// sweepNow runs an eviction pass and waits for it to finish.
func (m *Manager) sweepNow() {
	done := make(chan struct{})
	if m.post(sweepCmd{done: done}) {
		select {
		case <-done:
		case <-m.done:
		}
	}
}

func (m *Manager) shutdown() {
	for id, pc := range m.retired {
		pc.conn.Close()
		delete(m.retired, id)
	}
	for _, p := range m.peers {
		p.stopRetry()
		if p.conn != nil {
			p.conn.conn.Close()
			p.conn = nil
		}
		for _, req := range p.queue {
			req.fail(ErrManagerClosed)
		}
		p.queue = nil
		p.inbound = nil
	}
	// Drain commands that raced with Close so no caller blocks.
	for {
		select {
		case ev := <-m.events:
			switch e := ev.(type) {
			case sendCmd:
				e.req.fail(ErrManagerClosed)
			case inboundConn:
				e.conn.Close()
			case dialResult:
				if e.conn != nil {
					e.conn.Close()
				}
			}
		default:
			return
		}
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.dispatch:
			fn()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) enqueue(fn func()) {
	select {
	case m.dispatch <- fn:
	case <-m.done:
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	accept := m.transport.Accept()
	for {
		select {
		case conn, ok := <-accept:
			if !ok {
				return
			}
			if !m.post(inboundConn{conn: conn}) {
				conn.Close()
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) readLoop(peerID string, pc *peerConn) {
	defer m.wg.Done()
	for {
		frame, err := pc.conn.Recv()
		if err != nil {
			m.post(connClosed{peerID: peerID, connID: pc.id, err: err})
			return
		}
		if err := limits.ValidateFrame(frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer_id":  short(peerID),
				"error":    err.Error(),
			}).Warn("Dropping oversized frame")
			continue
		}
		if !m.post(frameIn{peerID: peerID, connID: pc.id, frame: frame}) {
			return
		}
	}
}

func (m *Manager) publish() {
	snap := make(map[string]PeerInfo, len(m.peers))
	for id, p := range m.peers {
		snap[id] = p.info()
	}
	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
}

func (m *Manager) setState(p *peer, to State) {
	if p.state == to {
		return
	}
	from := p.state
	p.state = to

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"peer_id":  short(p.id),
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("Peer state changed")

	m.mu.RLock()
	fn := m.onState
	m.mu.RUnlock()
	if fn != nil {
		change := StateChange{PeerID: p.id, From: from, To: to}
		m.enqueue(func() { fn(change) })
	}
}

func (m *Manager) emitPeer(kind PeerEventKind, p *peer) {
	logrus.WithFields(logrus.Fields{
		"function": "emitPeer",
		"peer_id":  short(p.id),
		"event":    kind.String(),
	}).Info("Roster changed")

	m.mu.RLock()
	fn := m.onPeer
	m.mu.RUnlock()
	if fn != nil {
		ev := PeerEvent{Kind: kind, Peer: p.info()}
		m.enqueue(func() { fn(ev) })
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type inspectCmd struct {
	fn   func()
	done chan struct{}
}

// inspect runs fn on the run goroutine. Used by tests to read peer state.
func (m *Manager) inspect(fn func()) {
	done := make(chan struct{})
	if m.post(inspectCmd{fn: fn, done: done}) {
		select {
		case <-done:
		case <-m.done:
		}
	}
}
