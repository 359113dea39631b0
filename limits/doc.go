// Package limits provides centralized size constants and validation functions
// for the parallel wire protocol.
//
// # Size Hierarchy
//
//   - MaxTextContent (16 KiB): the largest text chat body.
//   - MaxMediaContent (768 KiB): the largest image or sticker payload.
//   - MaxChatBody: MaxMediaContent plus JSON field overhead, the largest
//     plaintext handed to the AEAD.
//   - MaxFrameSize: one kind byte plus the sealed chat body (nonce and tag
//     included). Transports reject larger frames before allocating.
//
// Validation helpers return errors wrapping ErrMessageEmpty or
// ErrMessageTooLarge so callers can classify them with errors.Is.
package limits
