package connection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
)

// peer is the manager's record of one remote participant. It is only
// touched by the run goroutine.
type peer struct {
	id        string
	record    interfaces.PeerRecord
	publicKey crypto.PublicKey
	listed    bool
	badKey    bool

	state   State
	conn    *peerConn
	dialing bool
	attempt uint64
	retried bool
	retry   *time.Timer
	// stalled is set when both dials to stalledOn failed. The roster does
	// not redial until the record changes or the peer drops out and back.
	stalled   bool
	stalledOn dialTarget

	key      *crypto.SharedKey
	deriving bool

	inbound [][]byte
	queue   []*sendRequest

	missed      int
	createdAt   time.Time
	refreshedAt time.Time
	closedAt    time.Time
}

// dialTarget is the part of a roster record a dial depends on.
type dialTarget struct {
	key     crypto.PublicKey
	address string
}

// peerConn is one data channel. outbound is true when the local side
// dialed it.
type peerConn struct {
	id       uint64
	conn     interfaces.Conn
	outbound bool
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		PeerID:      p.id,
		DisplayName: p.record.DisplayName,
		PublicKey:   p.publicKey,
		Address:     p.record.Address,
		LastSeen:    p.record.LastSeen,
		State:       p.state,
		Listed:      p.listed,
	}
}

func (p *peer) stopRetry() {
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
}

func (p *peer) pruneQueue() {
	live := p.queue[:0]
	for _, req := range p.queue {
		if req.live() {
			live = append(live, req)
		}
	}
	for i := len(live); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = live
}

func (m *Manager) now() time.Time { return m.opts.TimeProvider.Now() }

func (m *Manager) newPeer(id string) *peer {
	p := &peer{id: id, state: StateUnconnected, createdAt: m.now()}
	m.peers[id] = p
	return p
}

func (m *Manager) newConn(conn interfaces.Conn, outbound bool) *peerConn {
	m.connSeq++
	return &peerConn{id: m.connSeq, conn: conn, outbound: outbound}
}

func (m *Manager) handleRoster(records []interfaces.PeerRecord) {
	present := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.PeerID == "" || rec.PeerID == m.self || len(rec.PeerID) > limits.MaxPeerID {
			continue
		}
		pub, err := crypto.ParsePublicKey(rec.PublicKey)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleRoster",
				"peer_id":  short(rec.PeerID),
				"error":    err.Error(),
			}).Warn("Ignoring roster entry with invalid public key")
			continue
		}
		present[rec.PeerID] = true

		p, ok := m.peers[rec.PeerID]
		if !ok {
			p = m.newPeer(rec.PeerID)
		}
		m.applyRecord(p, rec, pub)
	}

	for id, p := range m.peers {
		if present[id] || !p.listed {
			continue
		}
		p.missed++
		if p.missed >= m.opts.MissedPushLimit {
			m.evict(p, ErrPeerGone)
		}
	}
}

func (m *Manager) applyRecord(p *peer, rec interfaces.PeerRecord, pub crypto.PublicKey) {
	wasListed := p.listed
	returned := wasListed && p.missed > 0
	keyChanged := wasListed && p.publicKey != pub
	nameChanged := wasListed && p.record.DisplayName != rec.DisplayName

	p.record = rec
	p.publicKey = pub
	p.listed = true
	p.missed = 0
	p.refreshedAt = m.now()

	if keyChanged {
		logrus.WithFields(logrus.Fields{
			"function": "applyRecord",
			"peer_id":  short(p.id),
			"key":      pub.Short(),
		}).Warn("Peer public key changed, resetting session")
		p.key = nil
		p.deriving = false
		p.badKey = false
		p.inbound = nil
		if p.conn != nil {
			p.conn.conn.Close()
			p.conn = nil
		}
		if !p.dialing {
			m.setState(p, StateUnconnected)
		}
	}

	if p.conn != nil && !m.authentic(p, p.conn) {
		m.reject(p, p.conn, "applyRecord")
		p.conn = nil
		p.inbound = nil
		if !p.dialing {
			m.setState(p, StateUnconnected)
		}
	}

	if !wasListed {
		m.emitPeer(PeerJoined, p)
	} else if keyChanged || nameChanged {
		m.emitPeer(PeerUpdated, p)
	}

	if p.stalled && (returned || p.stalledOn != (dialTarget{key: pub, address: rec.Address})) {
		p.stalled = false
	}
	if p.key == nil && !p.deriving && !p.badKey {
		m.deriveKey(p)
	}
	if p.conn == nil && !p.dialing && !p.badKey && !p.stalled {
		p.retried = false
		m.dial(p)
	}
}

// authentic reports whether pc may carry traffic for p. A conn whose link
// proved a key must prove the key p lists in the roster. Conns without a
// proven key, and conns of peers not yet listed, pass.
func (m *Manager) authentic(p *peer, pc *peerConn) bool {
	if !p.listed {
		return true
	}
	kc, ok := pc.conn.(interfaces.KeyedConn)
	if !ok {
		return true
	}
	key, proven := kc.RemotePublicKey()
	return !proven || crypto.PublicKey(key) == p.publicKey
}

// reject closes a conn whose proven key does not match the roster.
func (m *Manager) reject(p *peer, pc *peerConn, where string) {
	logrus.WithFields(logrus.Fields{
		"function": where,
		"peer_id":  short(p.id),
		"conn_id":  pc.id,
		"outbound": pc.outbound,
	}).Warn("Channel key does not match roster, closing")
	pc.conn.Close()
}

func (m *Manager) deriveKey(p *peer) {
	p.deriving = true
	id, pub, private := p.id, p.publicKey, m.keys.Private

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		key, err := crypto.DeriveSharedKey(private, pub)
		if !m.post(keyResult{peerID: id, pub: pub, key: key, err: err}) && key != nil {
			key.Wipe()
		}
	}()
}

func (m *Manager) handleKey(e keyResult) {
	p := m.peers[e.peerID]
	if p == nil || p.publicKey != e.pub || !p.deriving {
		return
	}
	p.deriving = false

	if e.err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleKey",
			"peer_id":  short(p.id),
			"error":    e.err.Error(),
		}).Error("Session key derivation failed")
		p.badKey = true
		p.inbound = nil
		p.stopRetry()
		p.dialing = false
		if p.conn != nil {
			p.conn.conn.Close()
			p.conn = nil
		}
		for _, req := range p.queue {
			req.fail(fmt.Errorf("%w: %w", ErrBadPeerKey, e.err))
		}
		p.queue = nil
		m.setState(p, StateUnconnected)
		return
	}

	p.key = e.key
	if p.conn != nil {
		m.secure(p)
	}
}

func (m *Manager) dial(p *peer) {
	p.attempt++
	p.dialing = true
	if p.conn == nil {
		m.setState(p, StateConnecting)
	}
	id, attempt := p.id, p.attempt

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
		defer cancel()
		conn, err := m.transport.Dial(ctx, id)
		if !m.post(dialResult{peerID: id, attempt: attempt, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) handleDialResult(e dialResult) {
	p := m.peers[e.peerID]
	if p == nil || e.attempt != p.attempt || !p.dialing {
		if e.conn != nil {
			e.conn.Close()
		}
		return
	}

	if e.err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDialResult",
			"peer_id":  short(p.id),
			"retried":  p.retried,
			"error":    e.err.Error(),
		}).Warn("Dial failed")

		if p.conn != nil {
			p.dialing = false
			return
		}
		if !p.retried {
			p.retried = true
			id, attempt := p.id, p.attempt
			p.retry = time.AfterFunc(m.opts.RetryDelay, func() {
				m.post(retryDial{peerID: id, attempt: attempt})
			})
			return
		}

		p.dialing = false
		p.retried = false
		if p.listed {
			p.stalled = true
			p.stalledOn = dialTarget{key: p.publicKey, address: p.record.Address}
		}
		for _, req := range p.queue {
			req.fail(fmt.Errorf("%w: %w", ErrDialFailed, e.err))
		}
		p.queue = nil
		if p.closedAt.IsZero() {
			p.closedAt = m.now()
		}
		m.setState(p, StateUnconnected)
		return
	}

	p.dialing = false
	p.retried = false
	pc := m.newConn(e.conn, true)
	if p.badKey {
		e.conn.Close()
		return
	}
	if !m.authentic(p, pc) {
		m.reject(p, pc, "handleDialResult")
		if p.conn == nil {
			m.setState(p, StateUnconnected)
		}
		return
	}
	if p.conn != nil && !m.replaces(p, p.conn, pc) {
		m.wg.Add(1)
		go m.readLoop(p.id, pc)
		m.retire(pc)
		return
	}
	m.adopt(p, pc)
}

func (m *Manager) handleRetry(e retryDial) {
	p := m.peers[e.peerID]
	if p == nil || e.attempt != p.attempt || !p.dialing {
		return
	}
	p.retry = nil
	if p.conn != nil {
		p.dialing = false
		return
	}
	m.dial(p)
}

func (m *Manager) handleInbound(conn interfaces.Conn) {
	id := conn.RemotePeerID()
	if id == "" || id == m.self || len(id) > limits.MaxPeerID {
		conn.Close()
		return
	}
	p := m.peers[id]
	if p == nil {
		p = m.newPeer(id)
	}

	pc := m.newConn(conn, false)
	if p.badKey {
		conn.Close()
		return
	}
	if !m.authentic(p, pc) {
		m.reject(p, pc, "handleInbound")
		return
	}
	if p.conn != nil && !m.replaces(p, p.conn, pc) {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"peer_id":  short(id),
		}).Debug("Keeping existing channel, retiring inbound one")
		m.wg.Add(1)
		go m.readLoop(p.id, pc)
		m.retire(pc)
		return
	}
	m.adopt(p, pc)
}

// replaces decides which of two open channels to the same peer survives.
// Both ends apply the same rule, so they keep the same physical channel:
// the one initiated by the lexicographically smaller peer-id. When both
// were initiated by the same side the newer one wins.
func (m *Manager) replaces(p *peer, existing, candidate *peerConn) bool {
	if existing.outbound == candidate.outbound {
		return true
	}
	localLower := m.self < p.id
	if candidate.outbound {
		return localLower
	}
	return !localLower
}

// retire keeps a losing channel readable for a while so frames the remote
// wrote before it resolved the same race are still delivered, then closes it.
func (m *Manager) retire(pc *peerConn) {
	m.retired[pc.id] = pc
	id := pc.id
	time.AfterFunc(m.opts.SendGracePeriod, func() {
		m.post(retireExpired{connID: id})
	})
}

func (m *Manager) handleRetireExpired(connID uint64) {
	if pc, ok := m.retired[connID]; ok {
		delete(m.retired, connID)
		pc.conn.Close()
	}
}

func (m *Manager) adopt(p *peer, pc *peerConn) {
	if old := p.conn; old != nil {
		m.retire(old)
	}
	p.conn = pc
	p.closedAt = time.Time{}
	p.stalled = false

	logrus.WithFields(logrus.Fields{
		"function": "adopt",
		"peer_id":  short(p.id),
		"conn_id":  pc.id,
		"outbound": pc.outbound,
	}).Debug("Channel open")

	m.wg.Add(1)
	go m.readLoop(p.id, pc)

	if p.state == StateSecure && p.key != nil {
		m.flush(p)
		return
	}
	m.setState(p, StateTransportOpen)
	if p.key != nil {
		m.secure(p)
	} else if p.listed && !p.deriving {
		m.deriveKey(p)
	}
}

func (m *Manager) secure(p *peer) {
	m.setState(p, StateSecure)
	p.closedAt = time.Time{}

	buffered := p.inbound
	p.inbound = nil
	for _, frame := range buffered {
		m.deliver(p, frame)
	}
	m.flush(p)
}

func (m *Manager) flush(p *peer) {
	queue := p.queue
	p.queue = nil
	for _, req := range queue {
		if !req.take() {
			continue
		}
		req.result <- m.transmit(p, req.seal)
	}
}

func (m *Manager) transmit(p *peer, seal Sealer) error {
	frame, err := seal(p.key)
	if err != nil {
		return err
	}
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}
	if err := p.conn.conn.Send(frame); err != nil {
		return fmt.Errorf("send to %s: %w", short(p.id), err)
	}
	return nil
}

func (m *Manager) deliver(p *peer, frame []byte) {
	id, key, handler, pc := p.id, p.key, m.handler, p.conn
	m.enqueue(func() {
		reply := handler.HandleFrame(id, key, frame)
		if reply == nil || pc == nil {
			return
		}
		if err := pc.conn.Send(reply); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "deliver",
				"peer_id":  short(id),
				"error":    err.Error(),
			}).Debug("Reply not sent")
		}
	})
}

// handleFrame accepts frames from any channel of a known peer, including
// one that was just replaced, so frames in flight during a race are kept.
func (m *Manager) handleFrame(e frameIn) {
	p := m.peers[e.peerID]
	if p == nil {
		return
	}
	switch {
	case p.key != nil:
		m.deliver(p, e.frame)
	case p.conn != nil:
		if len(p.inbound) >= m.opts.MaxPendingFrames {
			logrus.WithFields(logrus.Fields{
				"function": "handleFrame",
				"peer_id":  short(p.id),
				"buffered": len(p.inbound),
			}).Warn("Pending frame buffer full, dropping oldest")
			p.inbound = p.inbound[1:]
		}
		p.inbound = append(p.inbound, e.frame)
	}
}

func (m *Manager) handleConnClosed(e connClosed) {
	if pc, ok := m.retired[e.connID]; ok {
		delete(m.retired, e.connID)
		pc.conn.Close()
		return
	}
	p := m.peers[e.peerID]
	if p == nil || p.conn == nil || p.conn.id != e.connID {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleConnClosed",
		"peer_id":  short(p.id),
		"error":    e.err.Error(),
	}).Info("Channel closed")

	p.conn.conn.Close()
	p.conn = nil
	p.inbound = nil
	if p.dialing {
		m.setState(p, StateConnecting)
		return
	}
	p.closedAt = m.now()
	m.setState(p, StateClosed)
}

func (m *Manager) handleSend(req *sendRequest) {
	p := m.peers[req.peerID]
	if p == nil {
		if req.peerID == m.self || req.peerID == "" {
			req.fail(ErrNotConnected)
			return
		}
		p = m.newPeer(req.peerID)
	}
	if p.badKey {
		req.fail(ErrBadPeerKey)
		return
	}
	if p.state == StateSecure {
		if req.take() {
			req.result <- m.transmit(p, req.seal)
		}
		return
	}

	p.pruneQueue()
	p.queue = append(p.queue, req)
	if p.listed && p.conn == nil && !p.dialing {
		p.retried = false
		m.dial(p)
	}
}

func (m *Manager) handlePost(peerID string, seal Sealer) error {
	p := m.peers[peerID]
	if p == nil || p.state != StateSecure {
		return ErrNotConnected
	}
	return m.transmit(p, seal)
}

func (m *Manager) handleBroadcast(seal Sealer) int {
	ids := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.state == StateSecure {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	sent := 0
	for _, id := range ids {
		if err := m.transmit(m.peers[id], seal); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleBroadcast",
				"peer_id":  short(id),
				"error":    err.Error(),
			}).Warn("Broadcast to peer failed")
			continue
		}
		sent++
	}
	return sent
}

func (m *Manager) expired(p *peer, now time.Time) bool {
	if p.conn != nil || p.dialing || len(p.queue) > 0 {
		return false
	}
	window := m.opts.LivenessWindow
	if !p.listed {
		return now.Sub(p.createdAt) >= window
	}
	return !p.closedAt.IsZero() && now.Sub(p.closedAt) >= window && now.Sub(p.refreshedAt) >= window
}

func (m *Manager) sweep() {
	now := m.now()
	for _, p := range m.peers {
		p.pruneQueue()
		if m.expired(p, now) {
			m.evict(p, ErrPeerGone)
		}
	}
}

func (m *Manager) evict(p *peer, reason error) {
	p.stopRetry()
	if p.conn != nil {
		p.conn.conn.Close()
		p.conn = nil
	}
	for _, req := range p.queue {
		req.fail(reason)
	}
	p.queue = nil
	p.inbound = nil
	p.dialing = false
	delete(m.peers, p.id)

	m.setState(p, StateClosed)
	if p.listed {
		m.emitPeer(PeerLeft, p)
	}
}
