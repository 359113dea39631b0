package parallel

import (
	"time"

	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/retention"
)

// TransportFactory opens the transport for a new session. It receives the
// session's freshly generated identity; transports that authenticate links
// use its keypair.
type TransportFactory func(id *Identity) (interfaces.Transport, error)

// Options contains session configuration. Use NewOptions for defaults.
type Options struct {
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	SendGracePeriod   time.Duration
	RetryDelay        time.Duration
	DialTimeout       time.Duration
	TypingThrottle    time.Duration
	TypingExpiry      time.Duration
	SweepInterval     time.Duration
	MaxAge            time.Duration

	// Retention enables the 24-hour history mode at join.
	Retention bool
	// SeenCacheSize bounds the ids remembered for duplicate suppression.
	SeenCacheSize int

	Transport TransportFactory
	Directory interfaces.Directory
	// Store persists history while retention is enabled. Optional.
	Store retention.Store

	TimeProvider interfaces.TimeProvider
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		HeartbeatInterval: 10 * time.Second,
		LivenessWindow:    60 * time.Second,
		SendGracePeriod:   2 * time.Second,
		RetryDelay:        1500 * time.Millisecond,
		DialTimeout:       10 * time.Second,
		TypingThrottle:    2 * time.Second,
		TypingExpiry:      3 * time.Second,
		SweepInterval:     60 * time.Second,
		MaxAge:            24 * time.Hour,
		Retention:         false,
		SeenCacheSize:     4096,
		TimeProvider:      interfaces.DefaultTimeProvider{},
	}
}
