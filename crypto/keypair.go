package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// PublicKeySize is the length in bytes of a serialized public key.
const PublicKeySize = curve25519.PointSize

// PublicKey is an X25519 public key as published in the room directory.
type PublicKey [PublicKeySize]byte

// String returns the hex encoding used in directory records.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Short returns an 8-character prefix suitable for log fields.
func (pk PublicKey) Short() string {
	return pk.String()[:8]
}

// ParsePublicKey decodes a hex-encoded public key received from the directory.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey

	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != PublicKeySize {
		return pk, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(raw), PublicKeySize)
	}
	copy(pk[:], raw)

	if isZeroKey(pk) {
		return PublicKey{}, fmt.Errorf("%w: all zeros", ErrInvalidPublicKey)
	}
	return pk, nil
}

// KeyPair is the ephemeral key agreement keypair of one application session.
// It is never written to disk.
type KeyPair struct {
	Public  PublicKey
	Private [32]byte
}

// GenerateKeyPair creates a fresh X25519 keypair from the system CSPRNG.
// An error means the random source is unavailable and the session cannot
// continue.
func GenerateKeyPair() (*KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(random io.Reader) (*KeyPair, error) {
	log := newOpLogger("GenerateKeyPair")

	kp := &KeyPair{}
	if _, err := io.ReadFull(random, kp.Private[:]); err != nil {
		log.failed(err, "read_private").Error("Random source unavailable")
		return nil, fmt.Errorf("%w: %v", ErrRandomSource, err)
	}

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(kp.Private[:])
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)

	log.key("public_key", kp.Public).Debug("Generated session keypair")
	return kp, nil
}

// publicFromPrivate recomputes the public half of a private scalar.
func publicFromPrivate(private [32]byte) (PublicKey, error) {
	var pk PublicKey
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return pk, err
	}
	copy(pk[:], pub)
	return pk, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
