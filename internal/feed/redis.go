package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "crmcache:changes:"

// RedisFeed carries change events across processes over redis pub/sub, one
// channel per user. Events are JSON-encoded on the wire.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisFeed wraps a connected redis client.
func NewRedisFeed(client *redis.Client, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, logger: logger}
}

func channelForUser(userID string) string {
	return channelPrefix + userID
}

// Publish sends the event to the user's channel.
func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	if event.UserID == "" || event.Table == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, channelForUser(event.UserID), payload).Err()
}

// Subscribe opens a pub/sub subscription on the user's channel and decodes
// incoming payloads. Undecodable payloads are logged and skipped; a full
// subscriber buffer drops the event rather than stalling the reader.
func (f *RedisFeed) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	events := make(chan Event, subscriberBufferSize)
	if userID == "" {
		close(events)
		return events, func() {}
	}

	pubsub := f.client.Subscribe(ctx, channelForUser(userID))
	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				f.logger.Warn("feed subscription close failed",
					zap.String("user_id", userID), zap.Error(err))
			}
		})
	}
	go func() {
		<-ctx.Done()
		release()
	}()
	go func() {
		defer close(events)
		for message := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				f.logger.Warn("feed event decode failed",
					zap.String("user_id", userID), zap.Error(err))
				continue
			}
			select {
			case events <- event:
			default:
			}
		}
	}()
	return events, release
}
