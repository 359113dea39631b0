package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/interfaces"
)

const (
	keyPrefix = "parallel:room:"
	// roomTTL expires an abandoned room hash. Every write refreshes it.
	roomTTL = 10 * time.Minute
)

// RedisDirectory stores each room as a hash of peer-id to JSON record and
// announces changes on a pub/sub channel. It implements
// interfaces.Directory.
type RedisDirectory struct {
	client *redis.Client
}

// NewRedisDirectory wraps an existing client.
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisDirectory(client), nil
}

// Close closes the underlying client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

func roomKey(room string) string     { return keyPrefix + room }
func eventChannel(room string) string { return keyPrefix + room + ":events" }

// serverTime stamps records with the directory's clock so peers with skewed
// clocks agree on liveness.
func (d *RedisDirectory) serverTime(ctx context.Context) time.Time {
	now, err := d.client.Time(ctx).Result()
	if err != nil {
		return time.Now()
	}
	return now
}

func (d *RedisDirectory) write(ctx context.Context, room string, rec interfaces.PeerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := roomKey(room)
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, key, rec.PeerID, data)
	pipe.Expire(ctx, key, roomTTL)
	pipe.Publish(ctx, eventChannel(room), rec.PeerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Register implements interfaces.Directory.
func (d *RedisDirectory) Register(ctx context.Context, room string, rec interfaces.PeerRecord) error {
	rec.LastSeen = d.serverTime(ctx)
	return d.write(ctx, room, rec)
}

// Heartbeat implements interfaces.Directory.
func (d *RedisDirectory) Heartbeat(ctx context.Context, room, peerID string) error {
	raw, err := d.client.HGet(ctx, roomKey(room), peerID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotRegistered
	}
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	var rec interfaces.PeerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	rec.LastSeen = d.serverTime(ctx)
	return d.write(ctx, room, rec)
}

// Unregister implements interfaces.Directory.
func (d *RedisDirectory) Unregister(ctx context.Context, room, peerID string) error {
	pipe := d.client.TxPipeline()
	pipe.HDel(ctx, roomKey(room), peerID)
	pipe.Publish(ctx, eventChannel(room), peerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Members reads the current records of room.
func (d *RedisDirectory) Members(ctx context.Context, room string) ([]interfaces.PeerRecord, error) {
	fields, err := d.client.HGetAll(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read room: %w", err)
	}
	out := make([]interfaces.PeerRecord, 0, len(fields))
	for peerID, raw := range fields {
		var rec interfaces.PeerRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RedisDirectory.Members",
				"peer_id":  short(peerID),
				"error":    err.Error(),
			}).Warn("Skipping undecodable record")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// Subscribe implements interfaces.Directory. The full membership is read
// after every change notification and once at start.
func (d *RedisDirectory) Subscribe(ctx context.Context, room string) (<-chan []interfaces.PeerRecord, error) {
	pubsub := d.client.Subscribe(ctx, eventChannel(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan []interfaces.PeerRecord, 1)
	push := func() {
		members, err := d.Members(ctx, room)
		if err != nil {
			if ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "RedisDirectory.Subscribe",
					"error":    err.Error(),
				}).Warn("Roster refresh failed")
			}
			return
		}
		select {
		case <-out:
		default:
		}
		out <- members
	}

	go func() {
		defer close(out)
		defer pubsub.Close()
		events := pubsub.Channel()
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				push()
			}
		}
	}()
	return out, nil
}
