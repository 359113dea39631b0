package messaging

import (
	"sync"
	"time"

	"github.com/opd-ai/parallel/interfaces"
)

const (
	// DefaultTypingThrottle is the minimum gap between outgoing indicators
	// to the same target.
	DefaultTypingThrottle = 2 * time.Second
	// DefaultTypingExpiry is how long a received indicator stays active.
	DefaultTypingExpiry = 3 * time.Second
)

// TypingTracker records which peers are currently composing.
type TypingTracker struct {
	mu           sync.Mutex
	lastSignal   map[string]time.Time
	expiry       time.Duration
	timeProvider interfaces.TimeProvider
}

// NewTypingTracker creates a tracker whose indicators expire after expiry.
func NewTypingTracker(expiry time.Duration, tp interfaces.TimeProvider) *TypingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if tp == nil {
		tp = interfaces.DefaultTimeProvider{}
	}
	return &TypingTracker{
		lastSignal:   make(map[string]time.Time),
		expiry:       expiry,
		timeProvider: tp,
	}
}

// Mark records a typing indicator from peerID.
func (t *TypingTracker) Mark(peerID string) {
	t.mu.Lock()
	t.lastSignal[peerID] = t.timeProvider.Now()
	t.mu.Unlock()
}

// Clear drops the indicator for peerID, typically because a message from
// that peer arrived.
func (t *TypingTracker) Clear(peerID string) {
	t.mu.Lock()
	delete(t.lastSignal, peerID)
	t.mu.Unlock()
}

// IsTyping reports whether peerID signalled within the expiry window.
func (t *TypingTracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSignal[peerID]
	if !ok {
		return false
	}
	if t.timeProvider.Since(ts) >= t.expiry {
		delete(t.lastSignal, peerID)
		return false
	}
	return true
}

// Active returns the peers currently typing. Expired entries are dropped.
func (t *TypingTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, ts := range t.lastSignal {
		if t.timeProvider.Since(ts) >= t.expiry {
			delete(t.lastSignal, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

// Throttle limits how often an outgoing typing indicator is sent per target.
type Throttle struct {
	mu           sync.Mutex
	last         map[string]time.Time
	window       time.Duration
	timeProvider interfaces.TimeProvider
}

// NewThrottle creates a throttle allowing one signal per target per window.
func NewThrottle(window time.Duration, tp interfaces.TimeProvider) *Throttle {
	if window <= 0 {
		window = DefaultTypingThrottle
	}
	if tp == nil {
		tp = interfaces.DefaultTimeProvider{}
	}
	return &Throttle{
		last:         make(map[string]time.Time),
		window:       window,
		timeProvider: tp,
	}
}

// Ready reports whether a signal to target may be sent now. Only Mark
// starts a new window, so a signal that never left does not count.
func (t *Throttle) Ready(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[target]
	return !ok || t.timeProvider.Since(ts) >= t.window
}

// Mark records that a signal to target was sent.
func (t *Throttle) Mark(target string) {
	t.mu.Lock()
	t.last[target] = t.timeProvider.Now()
	t.mu.Unlock()
}
