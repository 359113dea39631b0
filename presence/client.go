package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
)

const (
	// DefaultHeartbeatInterval is how often the local record is refreshed.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultLivenessWindow is how old a record may be and still count as
	// present.
	DefaultLivenessWindow = 60 * time.Second
	// MaxRoomLength bounds the room identifier.
	MaxRoomLength = 128
)

// Options tunes a Client.
type Options struct {
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	TimeProvider      interfaces.TimeProvider
}

// Client publishes the local peer in a room and reports the live roster.
// It never interprets or stores anything beyond presence records.
type Client struct {
	dir  interfaces.Directory
	room string
	self interfaces.PeerRecord
	opts Options

	mu     sync.Mutex
	joined bool
}

// ValidateRoom checks a room identifier.
func ValidateRoom(room string) error {
	if strings.TrimSpace(room) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoom)
	}
	if len(room) > MaxRoomLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrInvalidRoom, len(room), MaxRoomLength)
	}
	return nil
}

// NewClient creates a client announcing self in room through dir.
func NewClient(dir interfaces.Directory, room string, self interfaces.PeerRecord, opts Options) (*Client, error) {
	if err := ValidateRoom(room); err != nil {
		return nil, err
	}
	if self.PeerID == "" || len(self.PeerID) > limits.MaxPeerID {
		return nil, ErrInvalidRecord
	}
	if err := limits.ValidateDisplayName(self.DisplayName); err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = DefaultLivenessWindow
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = interfaces.DefaultTimeProvider{}
	}
	return &Client{dir: dir, room: room, self: self, opts: opts}, nil
}

// Room returns the room identifier.
func (c *Client) Room() string { return c.room }

// Join registers the local record. Joining again overwrites it.
func (c *Client) Join(ctx context.Context) error {
	if err := c.dir.Register(ctx, c.room, c.self); err != nil {
		return fmt.Errorf("register in room: %w", err)
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Client.Join",
		"peer_id":  short(c.self.PeerID),
	}).Info("Joined room")
	return nil
}

// Heartbeat refreshes the local record's last-seen time.
func (c *Client) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	return c.dir.Heartbeat(ctx, c.room, c.self.PeerID)
}

// Run sends a heartbeat every interval until ctx is done. Failures are
// logged and do not stop the loop.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.Run",
					"peer_id":  short(c.self.PeerID),
					"error":    err.Error(),
				}).Warn("Heartbeat failed")
			}
		}
	}
}

// Subscribe calls fn with the live roster on every directory push until ctx
// is done. The roster excludes the local peer and stale records. fn runs on
// a single goroutine. The returned channel is closed when the directory
// stream ends.
func (c *Client) Subscribe(ctx context.Context, fn func([]interfaces.PeerRecord)) (<-chan struct{}, error) {
	updates, err := c.dir.Subscribe(ctx, c.room)
	if err != nil {
		return nil, fmt.Errorf("subscribe to room: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for records := range updates {
			fn(c.Live(records))
		}
	}()
	return done, nil
}

// Live filters records down to remote peers seen within the liveness
// window. A zero LastSeen means the directory has not stamped the record
// yet and counts as live.
func (c *Client) Live(records []interfaces.PeerRecord) []interfaces.PeerRecord {
	now := c.opts.TimeProvider.Now()
	out := make([]interfaces.PeerRecord, 0, len(records))
	for _, rec := range records {
		if rec.PeerID == c.self.PeerID || rec.PeerID == "" {
			continue
		}
		if !rec.LastSeen.IsZero() && now.Sub(rec.LastSeen) > c.opts.LivenessWindow {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Leave unregisters the local record. It is best effort.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	if err := c.dir.Unregister(ctx, c.room, c.self.PeerID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Leave",
			"peer_id":  short(c.self.PeerID),
			"error":    err.Error(),
		}).Warn("Unregister failed")
		return err
	}
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
