package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "cart:events:"

// RedisNotifier fans events out over Redis pub/sub, one channel per owner
// key, so every service instance sees writes made through any other.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Publish(ctx context.Context, keys []string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}

	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := n.client.Publish(ctx, channelPrefix+key, payload).Err(); err != nil {
			return fmt.Errorf("redis publish failed: %w", err)
		}
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

func (n *RedisNotifier) Subscribe(ctx context.Context, keys []string) (Subscription, error) {
	channels := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			channels = append(channels, channelPrefix+key)
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channel keys to subscribe")
	}

	pubsub := n.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, 8),
	}

	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("notifier: dropping malformed event: %v", err)
				continue
			}
			select {
			case sub.events <- ev:
			default:
				// Slow consumer; it will resync on the next event anyway.
			}
		}
	}()

	return sub, nil
}
