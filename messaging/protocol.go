package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/connection"
	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
)

// Transmitter delivers sealed frames to peers. *connection.Manager
// implements it.
type Transmitter interface {
	Send(ctx context.Context, peerID string, seal connection.Sealer) error
	Broadcast(ctx context.Context, seal connection.Sealer) (int, error)
	Post(peerID string, seal connection.Sealer) error
}

// Config configures a Protocol.
type Config struct {
	PeerID         string
	DisplayName    string
	TypingThrottle time.Duration
	TypingExpiry   time.Duration
	TimeProvider   interfaces.TimeProvider
}

// Protocol turns user actions into envelopes and inbound frames into log
// entries, typing updates and delivery acknowledgements.
type Protocol struct {
	peerID      string
	displayName string

	log          *Log
	tx           Transmitter
	typing       *TypingTracker
	throttle     *Throttle
	timeProvider interfaces.TimeProvider

	mu       sync.RWMutex
	onTyping func(peerID string)
}

// NewProtocol creates a protocol that records messages in log and transmits
// through tx.
func NewProtocol(cfg Config, log *Log, tx Transmitter) *Protocol {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = interfaces.DefaultTimeProvider{}
	}
	return &Protocol{
		peerID:       cfg.PeerID,
		displayName:  cfg.DisplayName,
		log:          log,
		tx:           tx,
		typing:       NewTypingTracker(cfg.TypingExpiry, tp),
		throttle:     NewThrottle(cfg.TypingThrottle, tp),
		timeProvider: tp,
	}
}

// Log returns the conversation log.
func (p *Protocol) Log() *Log { return p.log }

// Typing returns the tracker of peers currently composing.
func (p *Protocol) Typing() *TypingTracker { return p.typing }

// OnTyping registers a callback invoked whenever a typing indicator arrives.
func (p *Protocol) OnTyping(fn func(peerID string)) {
	p.mu.Lock()
	p.onTyping = fn
	p.mu.Unlock()
}

func validateContent(kind PayloadType, content string) error {
	switch kind {
	case PayloadText:
		return limits.ValidateText(content)
	case PayloadImage, PayloadSticker:
		return limits.ValidateMedia(content)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownPayload, kind)
	}
}

func validateTarget(target string) error {
	if target == "" || len(target) > limits.MaxPeerID {
		return ErrInvalidTarget
	}
	return nil
}

// Send appends a local message in the sending state and transmits it to
// target, or to every connected peer when target is BroadcastTarget. The
// message appears in the log before any network activity. If transmission
// fails the message ends in the failed state and the returned error wraps
// ErrDeliveryFailed. Validation errors leave the log untouched.
func (p *Protocol) Send(ctx context.Context, target string, kind PayloadType, content string) (Message, error) {
	if err := validateTarget(target); err != nil {
		return Message{}, err
	}
	if err := validateContent(kind, content); err != nil {
		return Message{}, err
	}
	id, err := NewMessageID()
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:         id,
		Sender:     p.peerID,
		SenderName: p.displayName,
		Recipient:  target,
		Type:       kind,
		Content:    content,
		Timestamp:  p.timeProvider.Now(),
		Status:     StatusSending,
		Local:      true,
	}
	p.log.Append(msg)

	env := ChatEnvelope{
		ID:         msg.ID,
		Sender:     msg.Sender,
		SenderName: msg.SenderName,
		Recipient:  msg.Recipient,
		Type:       msg.Type,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	}
	seal := func(key *crypto.SharedKey) ([]byte, error) { return Seal(env, key) }

	var sendErr error
	if msg.IsBroadcast() {
		var n int
		n, sendErr = p.tx.Broadcast(ctx, seal)
		if sendErr == nil && n == 0 {
			sendErr = ErrNoPeers
		}
	} else {
		sendErr = p.tx.Send(ctx, target, seal)
	}

	if sendErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Send",
			"message_id": msg.ID,
			"target":     shortID(target),
			"error":      sendErr.Error(),
		}).Warn("Message delivery failed")
		p.log.UpdateStatus(msg.ID, StatusFailed)
		final, _ := p.log.Get(msg.ID)
		return final, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
	}

	p.log.UpdateStatus(msg.ID, StatusSent)
	final, ok := p.log.Get(msg.ID)
	if !ok {
		// Wiped while in flight.
		msg.Status = StatusSent
		return msg, nil
	}
	return final, nil
}

// SendTyping transmits a typing indicator to target unless one was sent to
// the same target within the throttle window. It reports whether an
// indicator was sent. Failed sends leave the window open.
func (p *Protocol) SendTyping(target string) bool {
	if validateTarget(target) != nil {
		return false
	}
	if !p.throttle.Ready(target) {
		return false
	}
	seal := func(*crypto.SharedKey) ([]byte, error) { return Seal(TypingEnvelope{}, nil) }
	sent := false
	if target == BroadcastTarget {
		n, err := p.tx.Broadcast(context.Background(), seal)
		sent = err == nil && n > 0
	} else {
		sent = p.tx.Post(target, seal) == nil
	}
	if sent {
		p.throttle.Mark(target)
	}
	return sent
}

// HandleFrame processes one inbound frame from peerID, whose session key is
// key. It returns a frame to send back on the same connection, or nil.
// Frames that fail to decode or authenticate are dropped.
func (p *Protocol) HandleFrame(peerID string, key *crypto.SharedKey, frame []byte) []byte {
	env, err := Open(frame, key)
	if err != nil {
		fields := logrus.Fields{
			"function": "HandleFrame",
			"peer_id":  shortID(peerID),
			"error":    err.Error(),
		}
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			logrus.WithFields(fields).Warn("Dropping frame that failed authentication")
		} else {
			logrus.WithFields(fields).Debug("Dropping undecodable frame")
		}
		return nil
	}

	switch e := env.(type) {
	case ChatEnvelope:
		return p.handleChat(peerID, e)
	case TypingEnvelope:
		p.typing.Mark(peerID)
		p.mu.RLock()
		fn := p.onTyping
		p.mu.RUnlock()
		if fn != nil {
			fn(peerID)
		}
	case DeliveredEnvelope:
		p.handleDelivered(peerID, e.MessageID)
	}
	return nil
}

func (p *Protocol) handleChat(peerID string, e ChatEnvelope) []byte {
	if err := validateContent(e.Type, e.Content); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleChat",
			"peer_id":  shortID(peerID),
			"error":    err.Error(),
		}).Debug("Dropping chat with invalid content")
		return nil
	}

	recipient := p.peerID
	if e.Recipient == BroadcastTarget {
		recipient = BroadcastTarget
	}
	ts := e.Timestamp
	if ts.UnixMilli() <= 0 {
		ts = p.timeProvider.Now()
	}

	p.typing.Clear(peerID)
	added := p.log.Append(Message{
		ID:         e.ID,
		Sender:     peerID,
		SenderName: e.SenderName,
		Recipient:  recipient,
		Type:       e.Type,
		Content:    e.Content,
		Timestamp:  ts,
		Status:     StatusDelivered,
	})
	if !added {
		logrus.WithFields(logrus.Fields{
			"function":   "handleChat",
			"peer_id":    shortID(peerID),
			"message_id": e.ID,
		}).Debug("Duplicate message ignored")
	}

	ack, err := Seal(DeliveredEnvelope{MessageID: e.ID}, nil)
	if err != nil {
		return nil
	}
	return ack
}

func (p *Protocol) handleDelivered(peerID, id string) {
	msg, ok := p.log.Get(id)
	if !ok || !msg.Local {
		return
	}
	if !msg.IsBroadcast() && msg.Recipient != peerID {
		logrus.WithFields(logrus.Fields{
			"function":   "handleDelivered",
			"peer_id":    shortID(peerID),
			"message_id": id,
		}).Warn("Ignoring acknowledgement from non-recipient")
		return
	}
	p.log.UpdateStatus(id, StatusDelivered)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
