// Package limits provides centralized size limits for the parallel wire
// protocol so that framing, encryption and the transport agree on bounds.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxTextContent is the largest text message body in bytes.
	MaxTextContent = 16 * 1024

	// MaxMediaContent bounds image and sticker payloads (data URLs or
	// sticker references) in bytes.
	MaxMediaContent = 768 * 1024

	// MaxChatBody is the largest serialized chat body before encryption.
	// It leaves room for the JSON field overhead around MaxMediaContent.
	MaxChatBody = MaxMediaContent + 4096

	// EncryptionOverhead is the nonce (12 bytes) plus the Poly1305 tag
	// (16 bytes) added to every sealed chat body.
	EncryptionOverhead = 12 + 16

	// MaxFrameSize is the largest envelope frame any transport must carry:
	// one kind byte plus a sealed MaxChatBody.
	MaxFrameSize = 1 + MaxChatBody + EncryptionOverhead

	// MaxDisplayName bounds the display name length in runes.
	MaxDisplayName = 64

	// MaxPeerID bounds peer-id and message-id strings in bytes.
	MaxPeerID = 128
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidName indicates a display name that is empty, too long, or
	// not valid UTF-8.
	ErrInvalidName = errors.New("invalid display name")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidateText validates a text message body against MaxTextContent.
func ValidateText(text string) error {
	if len(text) == 0 {
		return ErrMessageEmpty
	}
	if len(text) > MaxTextContent {
		return fmt.Errorf("%w: text size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxTextContent)
	}
	return nil
}

// ValidateMedia validates an image or sticker payload against MaxMediaContent.
func ValidateMedia(content string) error {
	if len(content) == 0 {
		return ErrMessageEmpty
	}
	if len(content) > MaxMediaContent {
		return fmt.Errorf("%w: media size %d exceeds limit %d", ErrMessageTooLarge, len(content), MaxMediaContent)
	}
	return nil
}

// ValidateFrame validates a wire frame before it is sent or parsed.
func ValidateFrame(frame []byte) error {
	return ValidateSize(frame, MaxFrameSize)
}

// ValidateDisplayName checks a user-chosen display name.
func ValidateDisplayName(name string) error {
	if name == "" || !utf8.ValidString(name) {
		return ErrInvalidName
	}
	if n := utf8.RuneCountInString(name); n > MaxDisplayName {
		return fmt.Errorf("%w: %d runes exceeds limit %d", ErrInvalidName, n, MaxDisplayName)
	}
	return nil
}
