// Package noise secures a transport link with the Noise IK handshake.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/parallel/crypto"
)

// MaxMessageLen is the largest Noise message, handshake or transport.
const MaxMessageLen = 65535

// MaxPlaintext is the largest payload one transport message can carry.
const MaxPlaintext = MaxMessageLen - 16

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrOutOfTurn indicates a message was written or read in the wrong order
	ErrOutOfTurn = errors.New("handshake message out of turn")
	// ErrMessageTooLarge indicates a payload above MaxPlaintext
	ErrMessageTooLarge = errors.New("noise message too large")
	// ErrDecrypt indicates a transport message failed authentication
	ErrDecrypt = errors.New("noise message authentication failed")
	// ErrMissingStaticKey indicates a handshake created without the keys
	// its role needs
	ErrMissingStaticKey = errors.New("missing static key")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator dials and sends the first message.
	Initiator HandshakeRole = iota
	// Responder accepts and answers.
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// IKHandshake runs the two-message Noise IK pattern:
//
//	-> e, es, s, ss
//	<- e, ee, se
//
// The static keys are the session X25519 keypairs published in the room.
// The initiator must know the responder's key before dialing. The
// responder learns the initiator's key from the first message and exposes
// it through PeerStatic. Both payloads are encrypted.
type IKHandshake struct {
	role  HandshakeRole
	state *noise.HandshakeState
	step  int
	peer  crypto.PublicKey
	// private aliases the static key held by state. It is zeroed once the
	// handshake completes or fails.
	private []byte

	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewIKHandshake creates a handshake for role using local as the static
// keypair. remote is the responder's public key and is required for the
// initiator; a responder ignores it.
func NewIKHandshake(role HandshakeRole, local *crypto.KeyPair, remote crypto.PublicKey) (*IKHandshake, error) {
	if local == nil {
		return nil, ErrMissingStaticKey
	}
	if role == Initiator && remote == (crypto.PublicKey{}) {
		return nil, fmt.Errorf("%w: initiator needs the responder key", ErrMissingStaticKey)
	}

	static := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, crypto.PublicKeySize),
	}
	copy(static.Private, local.Private[:])
	copy(static.Public, local.Public[:])

	cfg := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		Prologue:      []byte("parallel-link-v2"),
		StaticKeypair: static,
	}
	hs := &IKHandshake{role: role}
	if role == Initiator {
		cfg.PeerStatic = append([]byte(nil), remote[:]...)
		hs.peer = remote
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		crypto.ZeroBytes(static.Private)
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	hs.state, hs.private = state, static.Private
	return hs, nil
}

// Role returns the local role.
func (hs *IKHandshake) Role() HandshakeRole { return hs.role }

func (hs *IKHandshake) writesNext() bool {
	// Initiator writes step 0, responder writes step 1.
	return (hs.role == Initiator) == (hs.step == 0)
}

// WriteMessage produces the next handshake message carrying payload.
func (hs *IKHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if hs.complete {
		return nil, ErrHandshakeComplete
	}
	if !hs.writesNext() {
		return nil, ErrOutOfTurn
	}
	msg, c1, c2, err := hs.state.WriteMessage(nil, payload)
	if err != nil {
		crypto.ZeroBytes(hs.private)
		return nil, fmt.Errorf("%s write failed: %w", hs.role, err)
	}
	hs.step++
	hs.finish(c1, c2)
	return msg, nil
}

// ReadMessage consumes the next handshake message and returns its payload.
func (hs *IKHandshake) ReadMessage(message []byte) ([]byte, error) {
	if hs.complete {
		return nil, ErrHandshakeComplete
	}
	if hs.writesNext() {
		return nil, ErrOutOfTurn
	}
	payload, c1, c2, err := hs.state.ReadMessage(nil, message)
	if err != nil {
		crypto.ZeroBytes(hs.private)
		return nil, fmt.Errorf("%s read failed: %w", hs.role, err)
	}
	if hs.role == Responder {
		copy(hs.peer[:], hs.state.PeerStatic())
	}
	hs.step++
	hs.finish(c1, c2)
	return payload, nil
}

// PeerStatic returns the remote static key. A responder knows it once the
// first message has been read.
func (hs *IKHandshake) PeerStatic() (crypto.PublicKey, error) {
	if hs.peer == (crypto.PublicKey{}) {
		return crypto.PublicKey{}, ErrHandshakeNotComplete
	}
	return hs.peer, nil
}

// finish stores the split cipher states. c1 encrypts initiator to
// responder, c2 the reverse.
func (hs *IKHandshake) finish(c1, c2 *noise.CipherState) {
	if c1 == nil || c2 == nil {
		return
	}
	if hs.role == Initiator {
		hs.sendCipher, hs.recvCipher = c1, c2
	} else {
		hs.sendCipher, hs.recvCipher = c2, c1
	}
	hs.complete = true
	crypto.ZeroBytes(hs.private)
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (hs *IKHandshake) IsComplete() bool {
	return hs.complete
}

// Cipher returns the transport cipher once the handshake is complete.
func (hs *IKHandshake) Cipher() (*Cipher, error) {
	if !hs.complete {
		return nil, ErrHandshakeNotComplete
	}
	return &Cipher{send: hs.sendCipher, recv: hs.recvCipher}, nil
}

// Cipher encrypts and decrypts transport messages. Seal and Open may be
// called from different goroutines.
type Cipher struct {
	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState
}

// Seal encrypts one transport message.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(plaintext))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.send.Encrypt(nil, nil, plaintext)
}

// Open decrypts one transport message. Messages must be opened in the
// order they were sealed.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	plain, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return plain, nil
}
