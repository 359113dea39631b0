package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
)

var (
	// ErrUnreachable is returned by Dial when the target is not on the
	// network or an injected failure is pending.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrClosed is returned by operations on a closed transport or conn.
	ErrClosed = errors.New("closed")
)

const connBuffer = 256

// DeliveryRecord is one frame carried by the simulated network.
type DeliveryRecord struct {
	From      string
	To        string
	FrameSize int
	Timestamp time.Time
}

// Network is an in-memory switch connecting simulated transports by peer-id.
// Conns deliver frames reliably and in order.
type Network struct {
	mu           sync.Mutex
	nodes        map[string]*Transport
	dialFailures map[string]int
	dialAttempts map[string]int
	keys         map[string]crypto.PublicKey
	dialDelay    time.Duration
	deliveries   []DeliveryRecord
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:        make(map[string]*Transport),
		dialFailures: make(map[string]int),
		dialAttempts: make(map[string]int),
		keys:         make(map[string]crypto.PublicKey),
	}
}

// Transport attaches a new transport for peerID, replacing any previous one.
func (n *Network) Transport(peerID string) *Transport {
	logrus.WithFields(logrus.Fields{
		"function": "Network.Transport",
		"peer_id":  peerID,
	}).Debug("Attaching simulated transport")

	t := &Transport{
		network: n,
		peerID:  peerID,
		accept:  make(chan interfaces.Conn, 16),
		calls:   make(chan interfaces.Call, 4),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[peerID] = t
	n.mu.Unlock()
	return t
}

// FailDials makes the next count dials to peerID fail with ErrUnreachable.
func (n *Network) FailDials(peerID string, count int) {
	n.mu.Lock()
	n.dialFailures[peerID] = count
	n.mu.Unlock()
}

// DialAttempts returns how many dials targeted peerID, failed ones included.
func (n *Network) DialAttempts(peerID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialAttempts[peerID]
}

// SetKey makes the transport of peerID prove key on every conn it opens or
// accepts, as an authenticated link would. Without a key conns report no
// proven key.
func (n *Network) SetKey(peerID string, key crypto.PublicKey) {
	n.mu.Lock()
	n.keys[peerID] = key
	n.mu.Unlock()
}

func (n *Network) keyOf(peerID string) (crypto.PublicKey, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key, ok := n.keys[peerID]
	return key, ok
}

// SetDialDelay delays every dial by d before it completes.
func (n *Network) SetDialDelay(d time.Duration) {
	n.mu.Lock()
	n.dialDelay = d
	n.mu.Unlock()
}

// Deliveries returns every frame carried so far.
func (n *Network) Deliveries() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryRecord, len(n.deliveries))
	copy(out, n.deliveries)
	return out
}

// Sever closes every open conn between a and b.
func (n *Network) Sever(a, b string) {
	n.mu.Lock()
	ta, tb := n.nodes[a], n.nodes[b]
	n.mu.Unlock()
	for _, t := range []*Transport{ta, tb} {
		if t == nil {
			continue
		}
		for _, c := range t.openConns() {
			if c.remote == a || c.remote == b {
				c.Close()
			}
		}
	}
}

func (n *Network) record(from, to string, size int) {
	n.mu.Lock()
	n.deliveries = append(n.deliveries, DeliveryRecord{From: from, To: to, FrameSize: size, Timestamp: time.Now()})
	n.mu.Unlock()
}

func (n *Network) route(from, to string) (*Transport, time.Duration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialAttempts[to]++
	if left := n.dialFailures[to]; left > 0 {
		n.dialFailures[to] = left - 1
		return nil, 0, fmt.Errorf("%w: injected failure dialing %s", ErrUnreachable, to)
	}
	target, ok := n.nodes[to]
	if !ok || target.isClosed() {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return target, n.dialDelay, nil
}

// Transport is one peer's attachment to a Network. It implements
// interfaces.Transport.
type Transport struct {
	network *Network
	peerID  string
	accept  chan interfaces.Conn
	calls   chan interfaces.Call

	mu     sync.Mutex
	conns  []*Conn
	closed bool
	done   chan struct{}
}

// LocalPeerID implements interfaces.Transport.
func (t *Transport) LocalPeerID() string { return t.peerID }

// Accept implements interfaces.Transport.
func (t *Transport) Accept() <-chan interfaces.Conn { return t.accept }

// IncomingCalls implements interfaces.Transport.
func (t *Transport) IncomingCalls() <-chan interfaces.Call { return t.calls }

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) track(c *Conn) {
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
}

func (t *Transport) openConns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, len(t.conns))
	copy(out, t.conns)
	return out
}

// Dial implements interfaces.Transport.
func (t *Transport) Dial(ctx context.Context, peerID string) (interfaces.Conn, error) {
	return t.dial(ctx, peerID, t.peerID)
}

// DialAs dials peerID while claiming to be claimed. The remote end sees the
// claimed peer-id but the key of this transport, if it has one.
func (t *Transport) DialAs(ctx context.Context, peerID, claimed string) (interfaces.Conn, error) {
	return t.dial(ctx, peerID, claimed)
}

func (t *Transport) dial(ctx context.Context, peerID, claimed string) (interfaces.Conn, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	target, delay, err := t.network.route(t.peerID, peerID)
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	local, remote := newConnPair(t.network, claimed, peerID)
	local.remoteKey, local.keyed = t.network.keyOf(peerID)
	remote.remoteKey, remote.keyed = t.network.keyOf(t.peerID)
	select {
	case target.accept <- remote:
	case <-target.done:
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, peerID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.track(local)
	target.track(remote)
	return local, nil
}

// PlaceCall implements interfaces.Transport.
func (t *Transport) PlaceCall(ctx context.Context, peerID string, local interfaces.MediaStream) (interfaces.Call, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	target, _, err := t.network.route(t.peerID, peerID)
	if err != nil {
		return nil, err
	}
	caller, callee := newCallPair(t.peerID, peerID, local)
	select {
	case target.calls <- callee:
		return caller, nil
	case <-target.done:
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, peerID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements interfaces.Transport. It closes every conn.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	close(t.done)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Conn is one end of a simulated data channel.
type Conn struct {
	network *Network
	local   string
	remote  string
	inbox   chan []byte
	peer    *Conn
	done    chan struct{}
	once    *sync.Once
	sent    atomic.Int64

	remoteKey crypto.PublicKey
	keyed     bool
}

func newConnPair(n *Network, a, b string) (*Conn, *Conn) {
	done := make(chan struct{})
	once := &sync.Once{}
	ca := &Conn{network: n, local: a, remote: b, inbox: make(chan []byte, connBuffer), done: done, once: once}
	cb := &Conn{network: n, local: b, remote: a, inbox: make(chan []byte, connBuffer), done: done, once: once}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

// RemotePeerID implements interfaces.Conn.
func (c *Conn) RemotePeerID() string { return c.remote }

// RemotePublicKey implements interfaces.KeyedConn.
func (c *Conn) RemotePublicKey() ([32]byte, bool) { return c.remoteKey, c.keyed }

// Sent returns how many frames were written by this end.
func (c *Conn) Sent() int64 { return c.sent.Load() }

// Send implements interfaces.Conn.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	buf := append([]byte(nil), frame...)
	select {
	case c.peer.inbox <- buf:
		c.sent.Add(1)
		c.network.record(c.local, c.remote, len(buf))
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Recv implements interfaces.Conn. Frames queued before Close are still
// returned.
func (c *Conn) Recv() ([]byte, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.inbox:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close implements interfaces.Conn. Closing either end closes both.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
