package bus

import (
	"context"
	"encoding/json"
	"fmt"

	pkgredis "github.com/huddle-chat/core/internal/pkg/redis"
	"go.uber.org/zap"
)

// Redis relays envelopes over a Redis pub/sub channel.
type Redis struct {
	client  *pkgredis.Client
	channel string
	logger  *zap.Logger
}

func NewRedis(client *pkgredis.Client, channel string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, string(data)); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then consumes it in
// the background.
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("bus dropped malformed envelope", zap.String("channel", r.channel), zap.Error(err))
					continue
				}
				h(ctx, env)
			}
		}
	}()
	return nil
}

// Close is a no-op; the shared Redis client is closed by its owner.
func (r *Redis) Close() error { return nil }
