package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/interfaces"
)

const signalPrefix = "parallel:signal:"

func signalChannel(peerID string) string { return signalPrefix + peerID }

// SendSignal implements interfaces.Signaler. A signal published while the
// recipient is not subscribed is lost.
func (d *RedisDirectory) SendSignal(ctx context.Context, sig interfaces.Signal) error {
	if sig.To == "" {
		return fmt.Errorf("%w: signal without recipient", ErrInvalidRecord)
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := d.client.Publish(ctx, signalChannel(sig.To), data).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Signals implements interfaces.Signaler.
func (d *RedisDirectory) Signals(ctx context.Context, peerID string) (<-chan interfaces.Signal, error) {
	pubsub := d.client.Subscribe(ctx, signalChannel(peerID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe signals: %w", err)
	}

	out := make(chan interfaces.Signal, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var sig interfaces.Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "RedisDirectory.Signals",
						"error":    err.Error(),
					}).Warn("Dropping undecodable signal")
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
