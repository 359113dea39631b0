package retention

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/parallel/messaging"
)

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

func (m *mockTimeProvider) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

// memoryStore records saves for inspection.
type memoryStore struct {
	mu      sync.Mutex
	msgs    []messaging.Message
	saves   int
	cleared int
}

func (s *memoryStore) Save(msgs []messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append([]messaging.Message(nil), msgs...)
	s.saves++
	return nil
}

func (s *memoryStore) Load() ([]messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Message(nil), s.msgs...), nil
}

func (s *memoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	s.cleared++
	return nil
}

func newLog(t *testing.T) *messaging.Log {
	t.Helper()
	log, err := messaging.NewLog(0)
	require.NoError(t, err)
	return log
}

func message(id string, at time.Time) messaging.Message {
	return messaging.Message{
		ID:        id,
		Sender:    "peer-a",
		Recipient: "peer-b",
		Type:      messaging.PayloadText,
		Content:   "hello " + id,
		Timestamp: at,
		Status:    messaging.StatusDelivered,
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	clock := newMockTimeProvider()
	log := newLog(t)
	now := clock.Now()
	log.Append(message("old", now.Add(-25*time.Hour)))
	log.Append(message("new", now.Add(-1*time.Hour)))

	p := NewPolicy(log, Options{TimeProvider: clock})

	assert.Equal(t, 0, p.Sweep(now), "disabled policy must not sweep")
	assert.Equal(t, 2, log.Len())

	require.NoError(t, p.SetEnabled(true))
	assert.Equal(t, 1, p.Sweep(now))

	_, ok := log.Get("old")
	assert.False(t, ok)
	_, ok = log.Get("new")
	assert.True(t, ok)
}

func TestWipeEmptiesLog(t *testing.T) {
	log := newLog(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 50; i++ {
		log.Append(message(fmt.Sprintf("m%02d", i), base.Add(time.Duration(i)*time.Second)))
	}
	store := &memoryStore{}
	p := NewPolicy(log, Options{Store: store})

	assert.Equal(t, 50, p.Wipe())
	assert.Equal(t, 0, log.Len())
	assert.Equal(t, 1, store.cleared)
}

func TestSetEnabledRestoresAndClears(t *testing.T) {
	clock := newMockTimeProvider()
	now := clock.Now()
	store := &memoryStore{msgs: []messaging.Message{
		message("stale", now.Add(-30*time.Hour)),
		message("fresh", now.Add(-2*time.Hour)),
	}}
	log := newLog(t)
	p := NewPolicy(log, Options{TimeProvider: clock, Store: store})

	require.NoError(t, p.SetEnabled(true))
	assert.True(t, p.Enabled())
	require.Equal(t, 1, log.Len())
	_, ok := log.Get("fresh")
	assert.True(t, ok)
	assert.Len(t, store.msgs, 1, "pruned list is re-saved")

	require.NoError(t, p.SetEnabled(false))
	assert.False(t, p.Enabled())
	assert.Empty(t, store.msgs)
	assert.Equal(t, 1, log.Len(), "in-memory messages survive until wipe")
}

func TestPersistOnlyWhileEnabled(t *testing.T) {
	log := newLog(t)
	log.Append(message("a", time.Now()))
	store := &memoryStore{}
	p := NewPolicy(log, Options{Store: store})

	p.Persist()
	assert.Equal(t, 0, store.saves)

	require.NoError(t, p.Flush())
	assert.Equal(t, 0, store.saves)

	require.NoError(t, p.SetEnabled(true))
	p.Persist()
	assert.Equal(t, 0, store.saves, "persist only marks the log")
	require.NoError(t, p.Flush())
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.msgs, 1)

	require.NoError(t, p.Flush())
	assert.Equal(t, 1, store.saves, "nothing changed since the last write")
}

// gatedStore blocks every Save until release is closed.
type gatedStore struct {
	memoryStore
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *gatedStore) Save(msgs []messaging.Message) error {
	s.entered <- struct{}{}
	<-s.release
	return s.memoryStore.Save(msgs)
}

func (s *gatedStore) stored() []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs
}

func runPolicy(t *testing.T, p *Policy) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestRunCoalescesPersists(t *testing.T) {
	log := newLog(t)
	store := &memoryStore{}
	p := NewPolicy(log, Options{Store: store, FlushDelay: 30 * time.Millisecond, SweepInterval: time.Hour})
	require.NoError(t, p.SetEnabled(true))
	runPolicy(t, p)

	now := time.Now()
	for i := 0; i < 20; i++ {
		log.Append(message(fmt.Sprintf("m%02d", i), now))
		p.Persist()
	}
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.saves == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(90 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.msgs, 20)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	log := newLog(t)
	store := &memoryStore{}
	p := NewPolicy(log, Options{Store: store, FlushDelay: time.Hour, SweepInterval: time.Hour})
	require.NoError(t, p.SetEnabled(true))
	cancel, done := runPolicy(t, p)

	log.Append(message("last", time.Now()))
	p.Persist()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.msgs, 1)
}

func TestPersistDoesNotWaitForStore(t *testing.T) {
	log := newLog(t)
	store := newGatedStore()
	p := NewPolicy(log, Options{Store: store, FlushDelay: time.Millisecond, SweepInterval: time.Hour})
	require.NoError(t, p.SetEnabled(true))
	runPolicy(t, p)

	log.Append(message("a", time.Now()))
	p.Persist()
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("flush never reached the store")
	}

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Persist()
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("persist blocked behind a slow store")
	}
	close(store.release)
}

func TestWipeWaitsForInFlightFlush(t *testing.T) {
	log := newLog(t)
	log.Append(message("secret", time.Now()))
	store := newGatedStore()
	p := NewPolicy(log, Options{Store: store})
	require.NoError(t, p.SetEnabled(true))
	p.Persist()

	flushed := make(chan error, 1)
	go func() { flushed <- p.Flush() }()
	<-store.entered

	wiped := make(chan int, 1)
	go func() { wiped <- p.Wipe() }()
	select {
	case <-wiped:
		t.Fatal("wipe ran while a snapshot was being written")
	case <-time.After(30 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-flushed)
	assert.Equal(t, 1, <-wiped)
	assert.Empty(t, store.stored(), "the snapshot must not outlive the wipe")
	assert.Equal(t, 0, log.Len())

	require.NoError(t, p.Flush())
	assert.Empty(t, store.stored())
}

func TestDisableWaitsForInFlightFlush(t *testing.T) {
	log := newLog(t)
	log.Append(message("secret", time.Now()))
	store := newGatedStore()
	p := NewPolicy(log, Options{Store: store})
	require.NoError(t, p.SetEnabled(true))
	p.Persist()

	flushed := make(chan error, 1)
	go func() { flushed <- p.Flush() }()
	<-store.entered

	disabled := make(chan error, 1)
	go func() { disabled <- p.SetEnabled(false) }()
	close(store.release)
	require.NoError(t, <-flushed)
	require.NoError(t, <-disabled)
	assert.Empty(t, store.stored())

	p.Persist()
	require.NoError(t, p.Flush())
	assert.Empty(t, store.stored(), "nothing is written once disabled")
}

func TestRunSweepsPeriodically(t *testing.T) {
	log := newLog(t)
	log.Append(message("old", time.Now().Add(-48*time.Hour)))
	p := NewPolicy(log, Options{SweepInterval: 5 * time.Millisecond})
	require.NoError(t, p.SetEnabled(true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return log.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
