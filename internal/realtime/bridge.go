package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/phonginreallife/chats/internal/logging"
)

// DefaultChannel is the redis channel shared by every API process.
const DefaultChannel = "chats:realtime"

type envelope struct {
	Group string          `json:"group"`
	Data  json.RawMessage `json:"data"`
}

// RedisBridge relays frames between processes over one pub/sub channel,
// which keeps per-group ordering intact.
type RedisBridge struct {
	Redis   *redis.Client
	Channel string
}

var _ Publisher = (*RedisBridge)(nil)

func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{Redis: client, Channel: DefaultChannel}
}

func (b *RedisBridge) Publish(ctx context.Context, group string, data []byte) error {
	payload, err := json.Marshal(envelope{Group: group, Data: data})
	if err != nil {
		return err
	}
	if err := b.Redis.Publish(ctx, b.Channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", group, err)
	}
	return nil
}

// Run delivers relayed frames to hub until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context, hub *Hub) {
	logger := logging.FromContext(ctx)
	pubsub := b.Redis.Subscribe(ctx, b.Channel)
	defer pubsub.Close()

	logger.Info("subscribed to realtime channel", "channel", b.Channel)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Error("invalid realtime envelope", "error", err)
				continue
			}
			hub.Deliver(env.Group, env.Data)
		case <-ctx.Done():
			logger.Info("stopping realtime subscriber")
			return
		}
	}
}
