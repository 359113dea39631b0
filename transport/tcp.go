package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
	"github.com/opd-ai/parallel/noise"
)

const (
	// DefaultHandshakeTimeout bounds the Noise handshake on a new socket.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
	acceptBuffer        = 16
)

// TCPOptions tunes a TCPTransport.
type TCPOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// AdvertiseAddress is published in the directory. It defaults to the
	// listener address.
	AdvertiseAddress string
	Resolver         *Resolver
}

// TCPTransport carries data channels over TCP, each secured by a Noise IK
// handshake keyed with the session keypair that also exchanges session
// peer-ids. It implements interfaces.Transport without call support.
type TCPTransport struct {
	peerID   string
	keys     *crypto.KeyPair
	listener net.Listener
	resolver *Resolver
	opts     TCPOptions

	accept chan interfaces.Conn
	calls  chan interfaces.Call

	mu     sync.Mutex
	conns  map[*tcpConn]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPTransport listens on listenAddr and accepts channels for peerID,
// proving keys in every handshake.
func NewTCPTransport(listenAddr, peerID string, keys *crypto.KeyPair, opts TCPOptions) (*TCPTransport, error) {
	if peerID == "" || len(peerID) > limits.MaxPeerID {
		return nil, fmt.Errorf("invalid local peer-id %q", peerID)
	}
	if keys == nil {
		return nil, noise.ErrMissingStaticKey
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.AdvertiseAddress == "" {
		opts.AdvertiseAddress = listener.Addr().String()
	}
	if opts.Resolver == nil {
		opts.Resolver = NewResolver()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		peerID:   peerID,
		keys:     keys,
		listener: listener,
		resolver: opts.Resolver,
		opts:     opts,
		accept:   make(chan interfaces.Conn, acceptBuffer),
		calls:    make(chan interfaces.Call),
		conns:    make(map[*tcpConn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.acceptConnections()
	return t, nil
}

// LocalPeerID implements interfaces.Transport.
func (t *TCPTransport) LocalPeerID() string { return t.peerID }

// LocalAddr returns the local address the transport is listening on.
func (t *TCPTransport) LocalAddr() net.Addr { return t.listener.Addr() }

// AdvertisedAddress implements interfaces.Advertiser.
func (t *TCPTransport) AdvertisedAddress() string { return t.opts.AdvertiseAddress }

// Resolver returns the peer-id address book used by Dial.
func (t *TCPTransport) Resolver() *Resolver { return t.resolver }

// ObserveRoster implements interfaces.RosterObserver.
func (t *TCPTransport) ObserveRoster(records []interfaces.PeerRecord) {
	t.resolver.Update(records)
}

// Accept implements interfaces.Transport.
func (t *TCPTransport) Accept() <-chan interfaces.Conn { return t.accept }

// IncomingCalls implements interfaces.Transport. No call ever arrives.
func (t *TCPTransport) IncomingCalls() <-chan interfaces.Call { return t.calls }

// PlaceCall implements interfaces.Transport.
func (t *TCPTransport) PlaceCall(context.Context, string, interfaces.MediaStream) (interfaces.Call, error) {
	return nil, ErrCallsUnsupported
}

// Dial implements interfaces.Transport.
func (t *TCPTransport) Dial(ctx context.Context, peerID string) (interfaces.Conn, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	ep, err := t.resolver.Resolve(peerID)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(t.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn, err := t.handshake(raw, noise.Initiator, ep.PublicKey, deadline)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if conn.remote != peerID {
		raw.Close()
		return nil, fmt.Errorf("%w: dialed %s, reached %s", ErrPeerMismatch, short(peerID), short(conn.remote))
	}
	if !t.track(conn) {
		raw.Close()
		return nil, ErrClosed
	}

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Dial",
		"peer_id":  short(peerID),
		"address":  ep.Address,
	}).Debug("Secure link established")
	return conn, nil
}

// handshake runs the IK handshake on raw and returns the secured conn.
// remoteKey is the responder key a dialer expects.
func (t *TCPTransport) handshake(raw net.Conn, role noise.HandshakeRole, remoteKey crypto.PublicKey, deadline time.Time) (*tcpConn, error) {
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, err
	}
	hs, err := noise.NewIKHandshake(role, t.keys, remoteKey)
	if err != nil {
		return nil, err
	}

	var remote []byte
	if role == noise.Initiator {
		msg, err := hs.WriteMessage([]byte(t.peerID))
		if err != nil {
			return nil, err
		}
		if err := writeRecord(raw, msg); err != nil {
			return nil, fmt.Errorf("send handshake: %w", err)
		}
		reply, err := readRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
		if remote, err = hs.ReadMessage(reply); err != nil {
			return nil, err
		}
	} else {
		msg, err := readRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
		if remote, err = hs.ReadMessage(msg); err != nil {
			return nil, err
		}
		reply, err := hs.WriteMessage([]byte(t.peerID))
		if err != nil {
			return nil, err
		}
		if err := writeRecord(raw, reply); err != nil {
			return nil, fmt.Errorf("send handshake: %w", err)
		}
	}
	if len(remote) == 0 || len(remote) > limits.MaxPeerID {
		return nil, fmt.Errorf("%w: invalid peer-id payload", ErrPeerMismatch)
	}

	cipher, err := hs.Cipher()
	if err != nil {
		return nil, err
	}
	peerKey, err := hs.PeerStatic()
	if err != nil {
		return nil, err
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &tcpConn{
		raw:          raw,
		cipher:       cipher,
		remote:       string(remote),
		remoteKey:    peerKey,
		writeTimeout: t.opts.WriteTimeout,
		onClose:      t.untrack,
	}, nil
}

// acceptConnections handles incoming connections.
func (t *TCPTransport) acceptConnections() {
	defer t.wg.Done()
	for {
		raw, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "TCPTransport.acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}
		t.wg.Add(1)
		go t.handleConnection(raw)
	}
}

// handleConnection secures one inbound socket and hands it to Accept.
func (t *TCPTransport) handleConnection(raw net.Conn) {
	defer t.wg.Done()
	conn, err := t.handshake(raw, noise.Responder, crypto.PublicKey{}, time.Now().Add(t.opts.HandshakeTimeout))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TCPTransport.handleConnection",
			"remote":   raw.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Inbound handshake failed")
		raw.Close()
		return
	}
	if !t.track(conn) {
		raw.Close()
		return
	}
	select {
	case t.accept <- conn:
	case <-t.ctx.Done():
		conn.Close()
	}
}

func (t *TCPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TCPTransport) track(c *tcpConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *TCPTransport) untrack(c *tcpConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// Close shuts down the listener and every open conn.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*tcpConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	err := t.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
	return err
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
