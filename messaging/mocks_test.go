package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/parallel/connection"
	"github.com/opd-ai/parallel/crypto"
)

// mockTimeProvider is a manually advanced clock.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Unix(1_700_000_000, 0)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

var errPeerDown = errors.New("peer down")

// loopback is a Transmitter that hands frames straight to the remote
// Protocol and routes the reply back to the local one.
type loopback struct {
	mu     sync.Mutex
	local  string
	home   *Protocol
	peers  map[string]*Protocol
	keys   map[string]*crypto.SharedKey
	fail   error
	frames int
}

func (l *loopback) deliver(peerID string, seal connection.Sealer) error {
	l.mu.Lock()
	if l.fail != nil {
		err := l.fail
		l.mu.Unlock()
		return err
	}
	remote, ok := l.peers[peerID]
	key := l.keys[peerID]
	l.frames++
	l.mu.Unlock()
	if !ok {
		return errPeerDown
	}

	frame, err := seal(key)
	if err != nil {
		return err
	}
	if reply := remote.HandleFrame(l.local, key, frame); reply != nil {
		l.home.HandleFrame(peerID, key, reply)
	}
	return nil
}

func (l *loopback) Send(_ context.Context, peerID string, seal connection.Sealer) error {
	return l.deliver(peerID, seal)
}

func (l *loopback) Post(peerID string, seal connection.Sealer) error {
	return l.deliver(peerID, seal)
}

func (l *loopback) Broadcast(_ context.Context, seal connection.Sealer) (int, error) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	n := 0
	for _, id := range ids {
		if l.deliver(id, seal) == nil {
			n++
		}
	}
	return n, nil
}

func (l *loopback) frameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames
}

type testPeer struct {
	id    string
	proto *Protocol
	tx    *loopback
}

// newPair wires two protocols together with a freshly derived shared key.
func newPair(t *testing.T, clock *mockTimeProvider) (*testPeer, *testPeer) {
	t.Helper()
	aKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	abKey, err := crypto.DeriveSharedKey(aKeys.Private, bKeys.Public)
	require.NoError(t, err)
	baKey, err := crypto.DeriveSharedKey(bKeys.Private, aKeys.Public)
	require.NoError(t, err)

	newPeer := func(id, name string) *testPeer {
		log, err := NewLog(0)
		require.NoError(t, err)
		tx := &loopback{local: id, peers: map[string]*Protocol{}, keys: map[string]*crypto.SharedKey{}}
		p := NewProtocol(Config{PeerID: id, DisplayName: name, TimeProvider: clock}, log, tx)
		tx.home = p
		return &testPeer{id: id, proto: p, tx: tx}
	}

	a := newPeer("peer-a", "alice")
	b := newPeer("peer-b", "bob")
	a.tx.peers[b.id] = b.proto
	a.tx.keys[b.id] = abKey
	b.tx.peers[a.id] = a.proto
	b.tx.keys[a.id] = baKey
	return a, b
}
