package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sessionKeyInfo binds derived keys to this protocol and version.
const sessionKeyInfo = "parallel-session-key-v1"

// SharedKey is the 256-bit symmetric key two peers derive independently.
type SharedKey struct {
	key [chacha20poly1305.KeySize]byte
}

// Equal reports whether two shared keys hold the same material.
func (k *SharedKey) Equal(other *SharedKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.key[:], other.key[:])
}

// Wipe zeroes the key material. The key is unusable afterwards.
func (k *SharedKey) Wipe() {
	if k != nil {
		ZeroBytes(k.key[:])
	}
}

// DeriveSharedKey performs X25519 agreement between the local private key and
// a remote public key and expands the result with HKDF-SHA256. Both sides
// obtain the same key: the HKDF salt is the two public keys in byte order.
//
// A malformed or low-order remote key yields ErrInvalidPublicKey; callers
// should drop the peer.
func DeriveSharedKey(localPrivate [32]byte, remotePublic PublicKey) (*SharedKey, error) {
	log := newOpLogger("DeriveSharedKey").key("peer_key_prefix", remotePublic)
	log.Debug("Computing shared key")

	if isZeroKey(remotePublic) {
		return nil, fmt.Errorf("%w: all zeros", ErrInvalidPublicKey)
	}

	localPublic, err := publicFromPrivate(localPrivate)
	if err != nil {
		return nil, fmt.Errorf("derive local public key: %w", err)
	}

	secret, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		// x/crypto rejects low-order points with an all-zero output.
		log.failed(err, "x25519").Warn("X25519 computation failed")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	defer ZeroBytes(secret)

	salt := make([]byte, 0, 2*PublicKeySize)
	if bytes.Compare(localPublic[:], remotePublic[:]) < 0 {
		salt = append(append(salt, localPublic[:]...), remotePublic[:]...)
	} else {
		salt = append(append(salt, remotePublic[:]...), localPublic[:]...)
	}

	sk := &SharedKey{}
	kdf := hkdf.New(sha256.New, secret, salt, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(kdf, sk.key[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}

	return sk, nil
}
