package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/connection"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/messaging"
	"github.com/opd-ai/parallel/presence"
	"github.com/opd-ai/parallel/retention"
)

const leaveTimeout = 2 * time.Second

// Session is one user's presence in one room. It owns the identity, the
// connection manager, the message log, the retention policy and the call
// state, and is the only surface a user interface needs.
type Session struct {
	identity  *Identity
	room      string
	opts      Options
	transport interfaces.Transport
	presence  *presence.Client
	manager   *connection.Manager
	protocol  *messaging.Protocol
	log       *messaging.Log
	retention *retention.Policy
	calls     callState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.RWMutex
	status ConnectionStatus
	closed bool

	cbMu           sync.RWMutex
	onMessage      func(messaging.Change)
	onPeers        func([]connection.PeerInfo)
	onStatus       func(ConnectionStatus)
	onTyping       func(peerID string)
	onIncomingCall func(peerID string)
	onRemoteMedia  func(interfaces.MediaStream)
	onCallEnded    func()
}

// Join creates a session for displayName in room and announces it. The
// returned session keeps running until Close. A nil opts uses NewOptions
// and still needs Transport and Directory.
func Join(ctx context.Context, room, displayName string, opts *Options) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	o := *opts
	if o.Transport == nil {
		return nil, ErrNoTransport
	}
	if o.Directory == nil {
		return nil, ErrNoDirectory
	}
	if o.TimeProvider == nil {
		o.TimeProvider = interfaces.DefaultTimeProvider{}
	}
	if err := presence.ValidateRoom(room); err != nil {
		return nil, err
	}

	identity, err := NewIdentity(displayName)
	if err != nil {
		return nil, err
	}
	transport, err := o.Transport(identity)
	if err != nil {
		identity.Keys.Wipe()
		return nil, fmt.Errorf("open transport: %w", err)
	}

	s, err := newSession(identity, room, o, transport)
	if err != nil {
		transport.Close()
		identity.Keys.Wipe()
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSession(identity *Identity, room string, o Options, transport interfaces.Transport) (*Session, error) {
	log, err := messaging.NewLog(o.SeenCacheSize)
	if err != nil {
		return nil, err
	}
	manager := connection.NewManager(transport, identity.Keys, connection.Options{
		SendGracePeriod: o.SendGracePeriod,
		RetryDelay:      o.RetryDelay,
		DialTimeout:     o.DialTimeout,
		LivenessWindow:  o.LivenessWindow,
		TimeProvider:    o.TimeProvider,
	})
	protocol := messaging.NewProtocol(messaging.Config{
		PeerID:         identity.PeerID,
		DisplayName:    identity.DisplayName,
		TypingThrottle: o.TypingThrottle,
		TypingExpiry:   o.TypingExpiry,
		TimeProvider:   o.TimeProvider,
	}, log, manager)
	policy := retention.NewPolicy(log, retention.Options{
		SweepInterval: o.SweepInterval,
		MaxAge:        o.MaxAge,
		TimeProvider:  o.TimeProvider,
		Store:         o.Store,
	})

	record := identity.Record()
	if adv, ok := transport.(interfaces.Advertiser); ok {
		record.Address = adv.AdvertisedAddress()
	}
	client, err := presence.NewClient(o.Directory, room, record, presence.Options{
		HeartbeatInterval: o.HeartbeatInterval,
		LivenessWindow:    o.LivenessWindow,
		TimeProvider:      o.TimeProvider,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		identity:  identity,
		room:      room,
		opts:      o,
		transport: transport,
		presence:  client,
		manager:   manager,
		protocol:  protocol,
		log:       log,
		retention: policy,
		ctx:       ctx,
		cancel:    cancel,
	}

	log.OnChange(s.handleLogChange)
	protocol.OnTyping(s.handleTyping)
	manager.OnStateChange(func(connection.StateChange) { s.notifyPeers() })
	manager.OnPeerEvent(func(connection.PeerEvent) { s.notifyPeers() })
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Session.start",
		"peer_id":  short(s.identity.PeerID),
	})
	s.setStatus(StatusConnecting)

	if s.opts.Retention {
		if err := s.retention.SetEnabled(true); err != nil {
			logger.WithField("error", err.Error()).Warn("Restoring stored history failed")
		}
	}

	s.manager.Start(s.protocol)

	if err := s.presence.Join(ctx); err != nil {
		s.setStatus(StatusError)
		return err
	}
	streamDone, err := s.presence.Subscribe(s.ctx, s.handleRoster)
	if err != nil {
		s.setStatus(StatusError)
		return err
	}

	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.presence.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.retention.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptCalls()
	}()
	go func() {
		defer s.wg.Done()
		select {
		case <-streamDone:
			if s.ctx.Err() == nil {
				logger.Error("Presence stream ended")
				s.setStatus(StatusError)
			}
		case <-s.ctx.Done():
		}
	}()

	s.setStatus(StatusConnected)
	logger.WithField("room_length", len(s.room)).Info("Joined room")
	return nil
}

func (s *Session) handleRoster(records []interfaces.PeerRecord) {
	if obs, ok := s.transport.(interfaces.RosterObserver); ok {
		obs.ObserveRoster(records)
	}
	if err := s.manager.UpdateRoster(records); err != nil && !errors.Is(err, connection.ErrManagerClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleRoster",
			"error":    err.Error(),
		}).Warn("Roster update rejected")
	}
}

func (s *Session) handleLogChange(c messaging.Change) {
	if c.Kind == messaging.ChangeAdded || c.Kind == messaging.ChangeStatus {
		s.retention.Persist()
	}
	s.cbMu.RLock()
	fn := s.onMessage
	s.cbMu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

func (s *Session) handleTyping(peerID string) {
	s.cbMu.RLock()
	fn := s.onTyping
	s.cbMu.RUnlock()
	if fn != nil {
		fn(peerID)
	}
}

func (s *Session) notifyPeers() {
	s.cbMu.RLock()
	fn := s.onPeers
	s.cbMu.RUnlock()
	if fn != nil {
		fn(s.manager.Peers())
	}
}

func (s *Session) setStatus(next ConnectionStatus) {
	s.mu.Lock()
	if s.status == next || (s.closed && next != StatusDisconnected) {
		s.mu.Unlock()
		return
	}
	s.status = next
	s.mu.Unlock()

	s.cbMu.RLock()
	fn := s.onStatus
	s.cbMu.RUnlock()
	if fn != nil {
		fn(next)
	}
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// PeerID returns the local session peer-id.
func (s *Session) PeerID() string { return s.identity.PeerID }

// DisplayName returns the local display name.
func (s *Session) DisplayName() string { return s.identity.DisplayName }

// Room returns the room identifier.
func (s *Session) Room() string { return s.room }

// Status returns the current connection status.
func (s *Session) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Peers returns the known peers sorted by peer-id.
func (s *Session) Peers() []connection.PeerInfo { return s.manager.Peers() }

// Messages returns the conversation log in display order.
func (s *Session) Messages() []messaging.Message { return s.log.Snapshot() }

// Typing returns the peer-ids currently composing a message.
func (s *Session) Typing() []string { return s.protocol.Typing().Active() }

// OnMessage registers fn for every log change: new messages, status
// updates, sweeps and wipes.
func (s *Session) OnMessage(fn func(messaging.Change)) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

// OnPeersChanged registers fn with the full peer list after any peer
// state change.
func (s *Session) OnPeersChanged(fn func([]connection.PeerInfo)) {
	s.cbMu.Lock()
	s.onPeers = fn
	s.cbMu.Unlock()
}

// OnStatusChange registers fn for connection status transitions.
func (s *Session) OnStatusChange(fn func(ConnectionStatus)) {
	s.cbMu.Lock()
	s.onStatus = fn
	s.cbMu.Unlock()
}

// OnTyping registers fn for incoming typing indicators.
func (s *Session) OnTyping(fn func(peerID string)) {
	s.cbMu.Lock()
	s.onTyping = fn
	s.cbMu.Unlock()
}

// Send posts content to target, a peer-id or messaging.BroadcastTarget.
// The message is in the log before Send returns, in its final state.
func (s *Session) Send(ctx context.Context, target string, kind messaging.PayloadType, content string) (messaging.Message, error) {
	if s.isClosed() {
		return messaging.Message{}, ErrSessionClosed
	}
	return s.protocol.Send(ctx, target, kind, content)
}

// SendText is Send for a text message.
func (s *Session) SendText(ctx context.Context, target, text string) (messaging.Message, error) {
	return s.Send(ctx, target, messaging.PayloadText, text)
}

// SendTyping signals that the local user is composing a message to target.
// It is throttled and reports whether a signal went out.
func (s *Session) SendTyping(target string) bool {
	if s.isClosed() {
		return false
	}
	return s.protocol.SendTyping(target)
}

// SetRetention switches the 24-hour history mode.
func (s *Session) SetRetention(on bool) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.retention.SetEnabled(on)
}

// Retention reports whether the 24-hour history mode is on.
func (s *Session) Retention() bool { return s.retention.Enabled() }

// Wipe erases the whole history at once and returns how many messages were
// removed. It never touches the network.
func (s *Session) Wipe() int { return s.retention.Wipe() }

// Close leaves the room, ends any call and closes every channel. It is
// idempotent.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.setStatus(StatusDisconnected)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.endCalls()

		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := s.presence.Leave(leaveCtx); err != nil {
			errs = append(errs, fmt.Errorf("leave room: %w", err))
		}
		cancel()

		s.cancel()
		if err := s.manager.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		s.wg.Wait()
		s.identity.Keys.Wipe()

		logrus.WithFields(logrus.Fields{
			"function": "Session.Close",
			"peer_id":  short(s.identity.PeerID),
		}).Info("Session closed")
	})
	return errors.Join(errs...)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
