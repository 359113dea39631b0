package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/limits"
)

// FrameKind is the first byte of every frame exchanged between peers.
type FrameKind byte

const (
	// FrameChat carries an encrypted ChatEnvelope.
	FrameChat FrameKind = 0x01
	// FrameTyping signals that the sender is composing a message.
	FrameTyping FrameKind = 0x02
	// FrameDelivered acknowledges receipt of a chat message by id.
	FrameDelivered FrameKind = 0x03
)

// Envelope is the closed set of control and data messages exchanged between
// peers. Only the types in this package implement it.
type Envelope interface {
	Kind() FrameKind
	isEnvelope()
}

// ChatEnvelope is a conversation message. It is always encrypted on the wire.
type ChatEnvelope struct {
	ID         string
	Sender     string
	SenderName string
	Recipient  string
	Type       PayloadType
	Content    string
	Timestamp  time.Time
}

// TypingEnvelope is a typing indicator with no body.
type TypingEnvelope struct{}

// DeliveredEnvelope acknowledges the chat message with MessageID.
type DeliveredEnvelope struct {
	MessageID string
}

func (ChatEnvelope) Kind() FrameKind      { return FrameChat }
func (TypingEnvelope) Kind() FrameKind    { return FrameTyping }
func (DeliveredEnvelope) Kind() FrameKind { return FrameDelivered }

func (ChatEnvelope) isEnvelope()      {}
func (TypingEnvelope) isEnvelope()    {}
func (DeliveredEnvelope) isEnvelope() {}

// chatBody is the JSON form of a ChatEnvelope before encryption.
type chatBody struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Recipient  string `json:"recipient"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// Seal encodes env as a frame. Chat envelopes are encrypted under key; the
// other kinds are sent in the clear and ignore key.
func Seal(env Envelope, key *crypto.SharedKey) ([]byte, error) {
	switch e := env.(type) {
	case ChatEnvelope:
		return sealChat(e, key)
	case *ChatEnvelope:
		return sealChat(*e, key)
	case TypingEnvelope, *TypingEnvelope:
		return []byte{byte(FrameTyping)}, nil
	case DeliveredEnvelope:
		return sealDelivered(e.MessageID)
	case *DeliveredEnvelope:
		return sealDelivered(e.MessageID)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, env)
	}
}

func sealChat(e ChatEnvelope, key *crypto.SharedKey) ([]byte, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	body, err := json.Marshal(chatBody{
		ID:         e.ID,
		Sender:     e.Sender,
		SenderName: e.SenderName,
		Recipient:  e.Recipient,
		Type:       e.Type.String(),
		Content:    e.Content,
		Timestamp:  e.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat body: %w", err)
	}
	sealed, err := crypto.Encrypt(body, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt chat body: %w", err)
	}
	wire := sealed.Marshal()
	frame := make([]byte, 1+len(wire))
	frame[0] = byte(FrameChat)
	copy(frame[1:], wire)
	return frame, nil
}

func sealDelivered(id string) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrMalformedFrame)
	}
	frame := make([]byte, 1+len(id))
	frame[0] = byte(FrameDelivered)
	copy(frame[1:], id)
	return frame, nil
}

// Open decodes a frame produced by Seal. Chat frames are decrypted under key
// and any authentication failure is returned as a *crypto.DecryptError.
func Open(frame []byte, key *crypto.SharedKey) (Envelope, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if err := limits.ValidateFrame(frame); err != nil {
		return nil, err
	}

	body := frame[1:]
	switch FrameKind(frame[0]) {
	case FrameChat:
		return openChat(body, key)
	case FrameTyping:
		return TypingEnvelope{}, nil
	case FrameDelivered:
		if len(body) == 0 || len(body) > limits.MaxPeerID {
			return nil, fmt.Errorf("%w: bad delivered id", ErrMalformedFrame)
		}
		return DeliveredEnvelope{MessageID: string(body)}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frame[0])
	}
}

func openChat(body []byte, key *crypto.SharedKey) (Envelope, error) {
	sealed, err := crypto.UnmarshalEnvelope(body)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(sealed, key)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(plain)

	var cb chatBody
	if err := json.Unmarshal(plain, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if cb.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}
	pt, err := ParsePayloadType(cb.Type)
	if err != nil {
		return nil, err
	}
	return ChatEnvelope{
		ID:         cb.ID,
		Sender:     cb.Sender,
		SenderName: cb.SenderName,
		Recipient:  cb.Recipient,
		Type:       pt,
		Content:    cb.Content,
		Timestamp:  time.UnixMilli(cb.Timestamp),
	}, nil
}
