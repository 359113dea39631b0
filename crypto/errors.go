package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrRandomSource indicates the platform CSPRNG could not be read.
	ErrRandomSource = errors.New("random source unavailable")

	// ErrInvalidPublicKey indicates a malformed or low-order remote key.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrKeyDerivation indicates the KDF could not produce key material.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrNoKey indicates an operation needed a shared key that is absent.
	ErrNoKey = errors.New("no shared key")

	// ErrDecryptionFailed is matched by every *DecryptError.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// DecryptError reports why an envelope could not be opened. It is a
// recoverable per-frame failure.
type DecryptError struct {
	Reason string
	Cause  error
}

func newDecryptError(reason string, cause error) *DecryptError {
	return &DecryptError{Reason: reason, Cause: cause}
}

func (e *DecryptError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Cause)
	}
	return "decryption failed: " + e.Reason
}

// Unwrap exposes the underlying cause.
func (e *DecryptError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrDecryptionFailed) true for any DecryptError.
func (e *DecryptError) Is(target error) bool {
	return target == ErrDecryptionFailed
}
