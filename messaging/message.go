package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BroadcastTarget is the recipient marker for messages addressed to every
// peer in the room.
const BroadcastTarget = "*"

// PayloadType identifies how Content should be interpreted.
type PayloadType uint8

const (
	// PayloadText is a plain UTF-8 text message.
	PayloadText PayloadType = iota + 1
	// PayloadImage carries an image encoded as a data URI.
	PayloadImage
	// PayloadSticker carries a sticker identifier or data URI.
	PayloadSticker
)

// String returns the wire name of the payload type.
func (p PayloadType) String() string {
	switch p {
	case PayloadText:
		return "text"
	case PayloadImage:
		return "image"
	case PayloadSticker:
		return "sticker"
	default:
		return fmt.Sprintf("payload(%d)", uint8(p))
	}
}

// ParsePayloadType maps a wire name back to a PayloadType.
func ParsePayloadType(s string) (PayloadType, error) {
	switch s {
	case "text":
		return PayloadText, nil
	case "image":
		return PayloadImage, nil
	case "sticker":
		return PayloadSticker, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPayload, s)
	}
}

// Status represents the delivery state of a message.
type Status uint8

const (
	// StatusSending means the message is waiting for a secure connection.
	StatusSending Status = iota
	// StatusSent means the encrypted envelope was handed to the transport.
	StatusSent
	// StatusDelivered means the recipient acknowledged the message, or the
	// message was received from a peer.
	StatusDelivered
	// StatusFailed means the message could not be transmitted.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// CanTransition reports whether a message may move from s to next.
// Delivered and failed are terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusSending:
		return next == StatusSent || next == StatusDelivered || next == StatusFailed
	case StatusSent:
		return next == StatusDelivered
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Message is a single entry in the conversation log. Every field except
// Status is fixed once the message is created.
type Message struct {
	ID         string
	Sender     string
	SenderName string
	Recipient  string
	Type       PayloadType
	Content    string
	Timestamp  time.Time
	Status     Status
	Local      bool
}

// IsBroadcast reports whether the message was addressed to the whole room.
func (m Message) IsBroadcast() bool {
	return m.Recipient == BroadcastTarget
}

// NewMessageID returns a fresh time-ordered message identifier.
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return id.String(), nil
}
