package parallel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/parallel/connection"
	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/messaging"
	"github.com/opd-ai/parallel/sim"
)

type room struct {
	network *sim.Network
	dir     *sim.Directory
}

func newRoom() *room {
	return &room{network: sim.NewNetwork(), dir: sim.NewDirectory(nil)}
}

func (r *room) options() *Options {
	opts := NewOptions()
	opts.SendGracePeriod = 500 * time.Millisecond
	opts.RetryDelay = 20 * time.Millisecond
	opts.DialTimeout = 200 * time.Millisecond
	opts.HeartbeatInterval = time.Second
	opts.Directory = r.dir
	opts.Transport = func(id *Identity) (interfaces.Transport, error) {
		return r.network.Transport(id.PeerID), nil
	}
	return opts
}

func (r *room) join(t *testing.T, name string) *Session {
	t.Helper()
	s, err := Join(context.Background(), "room-1", name, r.options())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitSecure(t *testing.T, s *Session, peerID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range s.Peers() {
			if p.PeerID == peerID && p.State == connection.StateSecure {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "peer %s never became secure", peerID)
}

func statusOf(s *Session, id string) messaging.Status {
	m, ok := func() (messaging.Message, bool) {
		for _, m := range s.Messages() {
			if m.ID == id {
				return m, true
			}
		}
		return messaging.Message{}, false
	}()
	if !ok {
		return 0
	}
	return m.Status
}

func TestJoinValidation(t *testing.T) {
	r := newRoom()
	opts := r.options()

	_, err := Join(context.Background(), "room", "Alice", &Options{Directory: r.dir})
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = Join(context.Background(), "room", "Alice", &Options{Transport: opts.Transport})
	assert.ErrorIs(t, err, ErrNoDirectory)

	_, err = Join(context.Background(), "", "Alice", opts)
	assert.Error(t, err)

	_, err = Join(context.Background(), "room", "", opts)
	assert.Error(t, err)
}

func TestNewIdentityIsRandom(t *testing.T) {
	a, err := NewIdentity("Alice")
	require.NoError(t, err)
	b, err := NewIdentity("Alice")
	require.NoError(t, err)

	assert.NotEqual(t, a.PeerID, b.PeerID)
	assert.NotEqual(t, a.Keys.Public, b.Keys.Public)
	assert.NotContains(t, a.PeerID, "Alice")

	rec := a.Record()
	pk, err := crypto.ParsePublicKey(rec.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, a.Keys.Public, pk)
}

func TestSessionDeliversMessage(t *testing.T) {
	r := newRoom()
	alice := r.join(t, "Alice")
	bob := r.join(t, "Bob")

	assert.Equal(t, StatusConnected, alice.Status())
	waitSecure(t, alice, bob.PeerID())
	waitSecure(t, bob, alice.PeerID())

	var (
		mu       sync.Mutex
		statuses []messaging.Status
	)
	alice.OnMessage(func(c messaging.Change) {
		mu.Lock()
		statuses = append(statuses, c.Message.Status)
		mu.Unlock()
	})

	msg, err := alice.SendText(context.Background(), bob.PeerID(), "hi")
	require.NoError(t, err)
	assert.True(t, msg.Local)

	require.Eventually(t, func() bool {
		return statusOf(alice, msg.ID) == messaging.StatusDelivered
	}, 2*time.Second, 5*time.Millisecond)

	received := bob.Messages()
	require.Len(t, received, 1)
	assert.Equal(t, "hi", received[0].Content)
	assert.Equal(t, "Alice", received[0].SenderName)
	assert.Equal(t, alice.PeerID(), received[0].Sender)
	assert.Equal(t, messaging.StatusDelivered, received[0].Status)
	assert.False(t, received[0].Local)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, messaging.StatusSending, statuses[0])
	assert.Equal(t, messaging.StatusDelivered, statuses[len(statuses)-1])
}

func TestSessionSendFailsToUnreachablePeer(t *testing.T) {
	r := newRoom()
	alice := r.join(t, "Alice")

	ghost, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	r.dir.Inject("room-1", interfaces.PeerRecord{
		PeerID:      "ghost",
		DisplayName: "Ghost",
		PublicKey:   ghost.Public.String(),
		LastSeen:    time.Now(),
	})

	require.Eventually(t, func() bool {
		for _, p := range alice.Peers() {
			if p.PeerID == "ghost" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	msg, err := alice.SendText(context.Background(), "ghost", "anyone?")
	require.Error(t, err)
	assert.ErrorIs(t, err, messaging.ErrDeliveryFailed)
	assert.Equal(t, messaging.StatusFailed, msg.Status)
	assert.Equal(t, messaging.StatusFailed, statusOf(alice, msg.ID))
}

func TestSessionBroadcastAndTyping(t *testing.T) {
	r := newRoom()
	alice := r.join(t, "Alice")
	bob := r.join(t, "Bob")
	carol := r.join(t, "Carol")
	for _, s := range []*Session{bob, carol} {
		waitSecure(t, alice, s.PeerID())
		waitSecure(t, s, alice.PeerID())
	}

	typing := make(chan string, 4)
	bob.OnTyping(func(peerID string) { typing <- peerID })
	assert.True(t, alice.SendTyping(bob.PeerID()))
	assert.False(t, alice.SendTyping(bob.PeerID()), "second signal is throttled")
	select {
	case id := <-typing:
		assert.Equal(t, alice.PeerID(), id)
	case <-time.After(time.Second):
		t.Fatal("typing signal not received")
	}
	assert.Contains(t, bob.Typing(), alice.PeerID())

	msg, err := alice.SendText(context.Background(), messaging.BroadcastTarget, "hello all")
	require.NoError(t, err)
	for _, s := range []*Session{bob, carol} {
		s := s
		require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, messaging.BroadcastTarget, s.Messages()[0].Recipient)
	}
	assert.Empty(t, bob.Typing(), "a message clears the typing indicator")
	require.Eventually(t, func() bool {
		return statusOf(alice, msg.ID) == messaging.StatusDelivered
	}, time.Second, 5*time.Millisecond)
}

func TestSessionRetentionAndWipe(t *testing.T) {
	r := newRoom()
	alice := r.join(t, "Alice")
	bob := r.join(t, "Bob")
	waitSecure(t, alice, bob.PeerID())

	assert.False(t, alice.Retention())
	require.NoError(t, alice.SetRetention(true))
	assert.True(t, alice.Retention())

	for i := 0; i < 3; i++ {
		_, err := alice.SendText(context.Background(), bob.PeerID(), "msg")
		require.NoError(t, err)
	}
	assert.Len(t, alice.Messages(), 3)
	assert.Equal(t, 3, alice.Wipe())
	assert.Empty(t, alice.Messages())
}

func TestSessionCallLifecycle(t *testing.T) {
	r := newRoom()
	alice := r.join(t, "Alice")
	bob := r.join(t, "Bob")
	waitSecure(t, alice, bob.PeerID())

	incoming := make(chan string, 1)
	bob.OnIncomingCall(func(peerID string) { incoming <- peerID })
	ended := make(chan struct{}, 2)
	bob.OnCallEnded(func() { ended <- struct{}{} })

	assert.ErrorIs(t, alice.PlaceCall(context.Background(), "nobody", sim.NewStream("a")), ErrPeerNotFound)
	assert.ErrorIs(t, bob.AnswerCall(sim.NewStream("b")), ErrNoIncomingCall)

	aliceCam := sim.NewStream("alice-cam")
	require.NoError(t, alice.PlaceCall(context.Background(), bob.PeerID(), aliceCam))
	assert.True(t, alice.InCall())
	assert.ErrorIs(t, alice.PlaceCall(context.Background(), bob.PeerID(), aliceCam), ErrCallAlreadyActive)

	select {
	case id := <-incoming:
		assert.Equal(t, alice.PeerID(), id)
	case <-time.After(time.Second):
		t.Fatal("no incoming call")
	}
	from, ok := bob.IncomingCall()
	require.True(t, ok)
	assert.Equal(t, alice.PeerID(), from)

	bobCam := sim.NewStream("bob-cam")
	require.NoError(t, bob.AnswerCall(bobCam))

	require.Eventually(t, func() bool {
		m := alice.RemoteMedia()
		return m != nil && m.ID() == "bob-cam"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		m := bob.RemoteMedia()
		return m != nil && m.ID() == "alice-cam"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.EndCall())
	assert.True(t, aliceCam.Stopped())
	assert.False(t, alice.InCall())
	assert.ErrorIs(t, alice.EndCall(), ErrNoActiveCall)

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("remote hangup not observed")
	}
	assert.True(t, bobCam.Stopped())
	assert.False(t, bob.InCall())
}

func TestSessionClose(t *testing.T) {
	r := newRoom()
	alice := r.join(t, "Alice")
	bob := r.join(t, "Bob")
	waitSecure(t, bob, alice.PeerID())

	statuses := make(chan ConnectionStatus, 4)
	alice.OnStatusChange(func(s ConnectionStatus) { statuses <- s })

	require.NoError(t, alice.Close())
	assert.Equal(t, StatusDisconnected, alice.Status())
	assert.Equal(t, StatusDisconnected, <-statuses)
	require.NoError(t, alice.Close())

	_, err := alice.SendText(context.Background(), bob.PeerID(), "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, alice.SetRetention(true), ErrSessionClosed)

	for _, rec := range r.dir.Members("room-1") {
		assert.NotEqual(t, alice.PeerID(), rec.PeerID, "closed session leaves the directory")
	}
	require.Eventually(t, func() bool {
		for _, p := range bob.Peers() {
			if p.PeerID == alice.PeerID() {
				return p.State != connection.StateSecure
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionCloseWipesIdentityKeys(t *testing.T) {
	r := newRoom()
	opts := r.options()
	var identity *Identity
	opts.Transport = func(id *Identity) (interfaces.Transport, error) {
		identity = id
		return r.network.Transport(id.PeerID), nil
	}
	s, err := Join(context.Background(), "room-1", "Alice", opts)
	require.NoError(t, err)
	require.NotNil(t, identity)
	require.NotEqual(t, [32]byte{}, identity.Keys.Private)

	require.NoError(t, s.Close())
	assert.Equal(t, [32]byte{}, identity.Keys.Private)
	assert.NotEqual(t, crypto.PublicKey{}, identity.Keys.Public, "the public half stays for display")
}

// historyStore is an in-memory retention.Store.
type historyStore struct {
	mu    sync.Mutex
	msgs  []messaging.Message
	saves int
}

func (h *historyStore) Save(msgs []messaging.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append([]messaging.Message(nil), msgs...)
	h.saves++
	return nil
}

func (h *historyStore) Load() ([]messaging.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]messaging.Message(nil), h.msgs...), nil
}

func (h *historyStore) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
	return nil
}

func TestSessionClosePersistsPendingHistory(t *testing.T) {
	r := newRoom()
	bob := r.join(t, "Bob")
	store := &historyStore{}
	opts := r.options()
	opts.Store = store
	opts.Retention = true
	alice, err := Join(context.Background(), "room-1", "Alice", opts)
	require.NoError(t, err)
	waitSecure(t, alice, bob.PeerID())

	_, err = alice.SendText(context.Background(), bob.PeerID(), "keep me")
	require.NoError(t, err)
	require.NoError(t, alice.Close())

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep me", got[0].Content)
}
