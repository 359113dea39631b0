package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the AEAD nonce length (96 bits).
const NonceSize = chacha20poly1305.NonceSize

// Overhead is the authentication tag length appended to every ciphertext.
const Overhead = chacha20poly1305.Overhead

// MaxMessageSize bounds plaintexts accepted by Encrypt (1MB).
const MaxMessageSize = 1024 * 1024

// Nonce is a 96-bit random value used once per encryption.
type Nonce [NonceSize]byte

// Envelope is a self-contained ciphertext: the nonce travels with the data.
type Envelope struct {
	Nonce      Nonce
	Ciphertext []byte
}

// Marshal encodes the envelope as [nonce][ciphertext].
func (e *Envelope) Marshal() []byte {
	out := make([]byte, NonceSize+len(e.Ciphertext))
	copy(out, e.Nonce[:])
	copy(out[NonceSize:], e.Ciphertext)
	return out
}

// UnmarshalEnvelope parses the output of Envelope.Marshal.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	if len(data) < NonceSize+Overhead {
		return nil, newDecryptError("envelope too short", nil)
	}
	env := &Envelope{Ciphertext: append([]byte(nil), data[NonceSize:]...)}
	copy(env.Nonce[:], data[:NonceSize])
	return env, nil
}

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Nonce{}, fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext []byte, key *SharedKey) (*Envelope, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	if len(plaintext) == 0 {
		return nil, errors.New("empty message")
	}
	if len(plaintext) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	aead, err := chacha20poly1305.New(key.key[:])
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce[:], plaintext, nil),
	}, nil
}

// Decrypt authenticates and opens an envelope. Every failure is returned as a
// *DecryptError so callers can drop the frame without inspecting the cause.
func Decrypt(env *Envelope, key *SharedKey) ([]byte, error) {
	if key == nil {
		return nil, newDecryptError("no shared key", ErrNoKey)
	}
	if env == nil || len(env.Ciphertext) < Overhead {
		return nil, newDecryptError("ciphertext too short", nil)
	}

	aead, err := chacha20poly1305.New(key.key[:])
	if err != nil {
		return nil, newDecryptError("cipher init", err)
	}

	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, nil)
	if err != nil {
		return nil, newDecryptError("authentication failed", err)
	}
	return plaintext, nil
}
