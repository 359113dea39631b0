package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingTrackerExpiry(t *testing.T) {
	clock := newMockTimeProvider()
	tr := NewTypingTracker(3*time.Second, clock)

	tr.Mark("peer-a")
	assert.True(t, tr.IsTyping("peer-a"))
	assert.Equal(t, []string{"peer-a"}, tr.Active())

	clock.Advance(2 * time.Second)
	assert.True(t, tr.IsTyping("peer-a"))

	clock.Advance(time.Second)
	assert.False(t, tr.IsTyping("peer-a"))
	assert.Empty(t, tr.Active())
}

func TestTypingTrackerClear(t *testing.T) {
	tr := NewTypingTracker(0, newMockTimeProvider())
	tr.Mark("peer-a")
	tr.Clear("peer-a")
	assert.False(t, tr.IsTyping("peer-a"))
}

func TestThrottle(t *testing.T) {
	clock := newMockTimeProvider()
	th := NewThrottle(2*time.Second, clock)

	assert.True(t, th.Ready("peer-a"))
	assert.True(t, th.Ready("peer-a"), "checking alone does not start a window")
	th.Mark("peer-a")
	assert.False(t, th.Ready("peer-a"))
	assert.True(t, th.Ready("peer-b"), "targets are throttled independently")

	clock.Advance(1999 * time.Millisecond)
	assert.False(t, th.Ready("peer-a"))

	clock.Advance(time.Millisecond)
	assert.True(t, th.Ready("peer-a"))
}
