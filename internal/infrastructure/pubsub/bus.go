// Package pubsub bridges session events across control-plane instances
// over redis, so every instance's stream subscribers see every event.
package pubsub

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"oneui/internal/application/stream"
	"oneui/internal/shared/goroutine"
	"oneui/internal/shared/logger"
)

const defaultChannel = "oneui:sessions"

// envelope wraps an event with its origin instance so the sender can skip
// its own deliveries; local subscribers already got the event directly.
type envelope struct {
	Instance string       `json:"instance"`
	Event    stream.Event `json:"event"`
}

// Bus fans session events out locally and across instances. With a nil
// redis client it degrades to local-only delivery.
type Bus struct {
	client      *redis.Client
	channel     string
	instanceID  string
	broadcaster *stream.Broadcaster
	logger      logger.Interface
}

func NewBus(client *redis.Client, channel string, broadcaster *stream.Broadcaster, log logger.Interface) *Bus {
	if channel == "" {
		channel = defaultChannel
	}
	return &Bus{
		client:      client,
		channel:     channel,
		instanceID:  uuid.NewString(),
		broadcaster: broadcaster,
		logger:      log.Named("pubsub"),
	}
}

// Publish delivers the event to local subscribers and, when redis is
// configured, to every other instance. Redis failures degrade to
// local-only delivery.
func (b *Bus) Publish(ctx context.Context, event stream.Event) {
	b.broadcaster.Publish(event)
	if b.client == nil {
		return
	}

	raw, err := json.Marshal(envelope{Instance: b.instanceID, Event: event})
	if err != nil {
		b.logger.Warnw("failed to encode session event", "type", event.Type, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warnw("failed to publish session event", "type", event.Type, "error", err)
	}
}

// Start subscribes to the channel and forwards foreign events into the
// local broadcaster until the context is canceled. No-op without redis.
func (b *Bus) Start(ctx context.Context) {
	if b.client == nil {
		return
	}
	sub := b.client.Subscribe(ctx, b.channel)
	goroutine.SafeGo(b.logger, "pubsub-listener", func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.deliver(msg.Payload)
			}
		}
	})
}

func (b *Bus) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warnw("dropping malformed session event", "error", err)
		return
	}
	if env.Instance == b.instanceID {
		return
	}
	b.broadcaster.Publish(env.Event)
}
