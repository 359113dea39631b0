package connection

import (
	"time"

	"github.com/opd-ai/parallel/interfaces"
)

// Options tunes the connection manager. Zero fields take the defaults from
// DefaultOptions.
type Options struct {
	// SendGracePeriod bounds how long Send waits for a secure channel.
	SendGracePeriod time.Duration
	// RetryDelay is the pause before the single redial after a failure.
	RetryDelay time.Duration
	// DialTimeout bounds one dial attempt.
	DialTimeout time.Duration
	// LivenessWindow is how long a closed peer is kept before eviction.
	LivenessWindow time.Duration
	// MissedPushLimit is the number of consecutive roster pushes a peer may
	// be absent from before eviction.
	MissedPushLimit int
	// MaxPendingFrames bounds inbound frames buffered before the key is
	// available. The oldest are dropped when full.
	MaxPendingFrames int
	// SweepInterval is how often closed peers are checked for eviction.
	SweepInterval time.Duration

	TimeProvider interfaces.TimeProvider
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		SendGracePeriod:  2 * time.Second,
		RetryDelay:       1500 * time.Millisecond,
		DialTimeout:      10 * time.Second,
		LivenessWindow:   60 * time.Second,
		MissedPushLimit:  2,
		MaxPendingFrames: 64,
		SweepInterval:    5 * time.Second,
		TimeProvider:     interfaces.DefaultTimeProvider{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendGracePeriod <= 0 {
		o.SendGracePeriod = d.SendGracePeriod
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = d.LivenessWindow
	}
	if o.MissedPushLimit <= 0 {
		o.MissedPushLimit = d.MissedPushLimit
	}
	if o.MaxPendingFrames <= 0 {
		o.MaxPendingFrames = d.MaxPendingFrames
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.TimeProvider == nil {
		o.TimeProvider = d.TimeProvider
	}
	return o
}
