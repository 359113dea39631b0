package retention

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/messaging"
)

const (
	// DefaultSweepInterval is how often Run prunes the log.
	DefaultSweepInterval = 60 * time.Second
	// DefaultMaxAge is how long a message survives with retention enabled.
	DefaultMaxAge = 24 * time.Hour
	// DefaultFlushDelay is how long Run lets changes accumulate before one
	// write to the store.
	DefaultFlushDelay = 250 * time.Millisecond
)

// Options tunes a Policy. Store is optional; without one nothing leaves
// memory.
type Options struct {
	SweepInterval time.Duration
	MaxAge        time.Duration
	FlushDelay    time.Duration
	TimeProvider  interfaces.TimeProvider
	Store         Store
}

// Policy governs how long the message log lives. Disabled, the log is
// ephemeral and lives only in memory for the session. Enabled, messages
// are kept up to MaxAge and, with a store configured, persisted between
// sessions. Writes to the store happen on the goroutine running Run.
type Policy struct {
	log  *messaging.Log
	opts Options
	kick chan struct{}

	// saveMu orders store writes against Wipe and SetEnabled so a snapshot
	// taken before either can never land after it.
	saveMu sync.Mutex

	mu      sync.Mutex
	enabled bool
	dirty   bool
}

// NewPolicy creates a disabled policy over log.
func NewPolicy(log *messaging.Log, opts Options) *Policy {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = interfaces.DefaultTimeProvider{}
	}
	return &Policy{log: log, opts: opts, kick: make(chan struct{}, 1)}
}

// Enabled reports whether 24-hour retention is on.
func (p *Policy) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetEnabled switches retention. Enabling restores any stored messages
// younger than MaxAge. Disabling clears the store; messages already in
// memory stay until the session ends or Wipe is called.
func (p *Policy) SetEnabled(on bool) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	if p.enabled == on {
		p.mu.Unlock()
		return nil
	}
	p.enabled = on
	p.dirty = false
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Policy.SetEnabled",
		"enabled":  on,
	}).Info("Retention changed")

	if p.opts.Store == nil {
		return nil
	}
	if !on {
		return p.opts.Store.Clear()
	}
	return p.restore()
}

func (p *Policy) restore() error {
	stored, err := p.opts.Store.Load()
	if err != nil {
		return err
	}
	cutoff := p.opts.TimeProvider.Now().Add(-p.opts.MaxAge)
	kept := stored[:0]
	for _, m := range stored {
		if m.Timestamp.After(cutoff) {
			kept = append(kept, m)
		}
	}
	restored := p.log.Restore(kept)
	logrus.WithFields(logrus.Fields{
		"function": "Policy.restore",
		"restored": restored,
		"pruned":   len(stored) - len(kept),
	}).Debug("Loaded stored messages")
	if len(kept) < len(stored) {
		return p.opts.Store.Save(p.log.Snapshot())
	}
	return nil
}

// Sweep removes messages older than MaxAge relative to now and persists
// the remainder. It does nothing while retention is disabled.
func (p *Policy) Sweep(now time.Time) int {
	if !p.Enabled() {
		return 0
	}
	removed := p.log.PruneBefore(now.Add(-p.opts.MaxAge))
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Policy.Sweep",
			"removed":  removed,
		}).Debug("Pruned expired messages")
	}
	p.Persist()
	return removed
}

// Persist marks the log as changed and returns at once. Run writes marked
// changes FlushDelay after the first one, so a burst costs one write.
// Nothing is marked while retention is disabled.
func (p *Policy) Persist() {
	if p.opts.Store == nil {
		return
	}
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	p.dirty = true
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Flush writes the log to the store now if it changed since the last
// write and retention is still enabled.
func (p *Policy) Flush() error {
	if p.opts.Store == nil {
		return nil
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	if !p.enabled || !p.dirty {
		p.mu.Unlock()
		return nil
	}
	p.dirty = false
	p.mu.Unlock()

	if err := p.opts.Store.Save(p.log.Snapshot()); err != nil {
		p.mu.Lock()
		p.dirty = p.enabled
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Policy.Flush",
			"error":    err.Error(),
		}).Warn("Persisting log failed")
		return err
	}
	return nil
}

// Run sweeps every SweepInterval and flushes marked changes after
// FlushDelay until ctx is done. Pending changes are flushed before it
// returns.
func (p *Policy) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	var timer *time.Timer
	var due <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.Flush()
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(p.opts.TimeProvider.Now())
		case <-p.kick:
			if due == nil {
				timer = time.NewTimer(p.opts.FlushDelay)
				due = timer.C
			}
		case <-due:
			timer, due = nil, nil
			p.Flush()
		}
	}
}

// Wipe empties the log and the store immediately, whatever the retention
// setting. It returns how many messages were erased from memory.
func (p *Policy) Wipe() int {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	n := p.log.Clear()
	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	if p.opts.Store != nil {
		if err := p.opts.Store.Clear(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Policy.Wipe",
				"error":    err.Error(),
			}).Warn("Clearing store failed")
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Policy.Wipe",
		"erased":   n,
	}).Info("Wiped message log")
	return n
}
