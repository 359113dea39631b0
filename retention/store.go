package retention

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/messaging"
)

const (
	storeFormatVersion = 1
	storeFile          = "messages.enc"
	keyFile            = "device.key"
)

// Store persists the message log between sessions.
type Store interface {
	Save(msgs []messaging.Message) error
	Load() ([]messaging.Message, error)
	Clear() error
}

// blob is the on-disk structure. Salt and the scrypt parameters are empty
// when the key comes from a device key file.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt,omitempty"`
	N      int    `json:"scrypt_N,omitempty"`
	R      int    `json:"scrypt_r,omitempty"`
	P      int    `json:"scrypt_p,omitempty"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

type storedMessage struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Recipient  string `json:"recipient"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Status     uint8  `json:"status"`
	Local      bool   `json:"local"`
}

func scryptParamsDefault() (n, r, p int) { return 1 << 15, 8, 1 }

// EncryptedFileStore seals the log into a single file with
// ChaCha20-Poly1305. The key is derived with scrypt from a passphrase, or
// read from a random device key file created with 0600 permissions.
type EncryptedFileStore struct {
	dir        string
	passphrase string
	scryptN    int

	mu sync.Mutex
	// derived caches the passphrase key for one salt so only the first
	// save or load pays for scrypt.
	derived     *derivedKey
	derivations int
}

type derivedKey struct {
	salt    []byte
	n, r, p int
	key     []byte
}

func (d *derivedKey) matches(salt []byte, n, r, p int) bool {
	return d != nil && bytes.Equal(d.salt, salt) && d.n == n && d.r == r && d.p == p
}

// NewPassphraseStore creates a store in dir keyed by passphrase.
func NewPassphraseStore(dir, passphrase string) (*EncryptedFileStore, error) {
	if passphrase == "" {
		return nil, ErrNoKeySource
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	n, _, _ := scryptParamsDefault()
	return &EncryptedFileStore{dir: dir, passphrase: passphrase, scryptN: n}, nil
}

// NewDeviceKeyStore creates a store in dir keyed by a random device key,
// generating the key file on first use.
func NewDeviceKeyStore(dir string) (*EncryptedFileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &EncryptedFileStore{dir: dir}, nil
}

func (s *EncryptedFileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *EncryptedFileStore) deviceKey() ([]byte, error) {
	key, err := os.ReadFile(s.path(keyFile))
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: device key has %d bytes", ErrWrongKey, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read device key: %w", err)
	}
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrRandomSource, err)
	}
	if err := os.WriteFile(s.path(keyFile), key, 0o600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}
	return key, nil
}

// passphraseKey returns the key for salt and the scrypt parameters,
// deriving it only when the cache holds a different salt. The returned
// slice belongs to the cache and must not be zeroed by the caller.
func (s *EncryptedFileStore) passphraseKey(salt []byte, n, r, p int) ([]byte, error) {
	if s.derived.matches(salt, n, r, p) {
		return s.derived.key, nil
	}
	key, err := scrypt.Key([]byte(s.passphrase), salt, n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	s.derivations++
	if s.derived != nil {
		crypto.ZeroBytes(s.derived.key)
	}
	s.derived = &derivedKey{salt: append([]byte(nil), salt...), n: n, r: r, p: p, key: key}
	return key, nil
}

func (s *EncryptedFileStore) seal(raw []byte) ([]byte, error) {
	b := blob{V: storeFormatVersion}
	var key []byte
	if s.passphrase != "" {
		_, r, p := scryptParamsDefault()
		var salt []byte
		if d := s.derived; d != nil && d.n == s.scryptN && d.r == r && d.p == p {
			salt = d.salt
		} else {
			salt = make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return nil, fmt.Errorf("%w: %w", crypto.ErrRandomSource, err)
			}
		}
		k, err := s.passphraseKey(salt, s.scryptN, r, p)
		if err != nil {
			return nil, err
		}
		key = k
		b.Salt, b.N, b.R, b.P = salt, s.scryptN, r, p
	} else {
		k, err := s.deviceKey()
		if err != nil {
			return nil, err
		}
		key = k
		defer crypto.ZeroBytes(key)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	b.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(b.Nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrRandomSource, err)
	}
	b.Cipher = aead.Seal(nil, b.Nonce, raw, b.Salt)
	return json.Marshal(b)
}

func (s *EncryptedFileStore) open(data []byte) ([]byte, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrongKey, err)
	}
	if b.V > storeFormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedFormat, b.V)
	}
	var key []byte
	if s.passphrase != "" {
		if len(b.Salt) == 0 {
			return nil, ErrWrongKey
		}
		k, err := s.passphraseKey(b.Salt, b.N, b.R, b.P)
		if err != nil {
			return nil, err
		}
		key = k
	} else {
		k, err := s.deviceKey()
		if err != nil {
			return nil, err
		}
		key = k
		defer crypto.ZeroBytes(key)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(b.Nonce) != aead.NonceSize() {
		return nil, ErrWrongKey
	}
	plain, err := aead.Open(nil, b.Nonce, b.Cipher, b.Salt)
	if err != nil {
		return nil, ErrWrongKey
	}
	return plain, nil
}

// Save replaces the stored log with msgs.
func (s *EncryptedFileStore) Save(msgs []messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]storedMessage, len(msgs))
	for i, m := range msgs {
		records[i] = storedMessage{
			ID:         m.ID,
			Sender:     m.Sender,
			SenderName: m.SenderName,
			Recipient:  m.Recipient,
			Type:       m.Type.String(),
			Content:    m.Content,
			Timestamp:  m.Timestamp.UnixMilli(),
			Status:     uint8(m.Status),
			Local:      m.Local,
		}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode log: %w", err)
	}
	defer crypto.ZeroBytes(raw)

	sealed, err := s.seal(raw)
	if err != nil {
		return err
	}
	tmp := s.path(storeFile + ".tmp")
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path(storeFile)); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// Load returns the stored log. A missing file yields an empty log. Records
// with an unknown payload type are skipped.
func (s *EncryptedFileStore) Load() ([]messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(storeFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	raw, err := s.open(data)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(raw)

	var records []storedMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode log: %w", err)
	}
	out := make([]messaging.Message, 0, len(records))
	for _, r := range records {
		kind, err := messaging.ParsePayloadType(r.Type)
		if err != nil {
			continue
		}
		out = append(out, messaging.Message{
			ID:         r.ID,
			Sender:     r.Sender,
			SenderName: r.SenderName,
			Recipient:  r.Recipient,
			Type:       kind,
			Content:    r.Content,
			Timestamp:  time.UnixMilli(r.Timestamp),
			Status:     messaging.Status(r.Status),
			Local:      r.Local,
		})
	}
	return out, nil
}

// Clear removes the stored log. The device key is kept.
func (s *EncryptedFileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(storeFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove store: %w", err)
	}
	return nil
}
