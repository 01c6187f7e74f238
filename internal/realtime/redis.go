package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"blueshot/api/internal/logger"
	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes messages over Redis pub/sub so every API replica
// can serve a user's event stream.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier connects to redisURL and verifies the connection.
func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisNotifierWithClient(client), nil
}

// NewRedisNotifierWithClient wraps an existing client.
func NewRedisNotifierWithClient(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		prefix: "blueshot:",
	}
}

func (n *RedisNotifier) key(channel string) string {
	return n.prefix + channel
}

// Client exposes the underlying connection, e.g. to share it with a CommitLock.
func (n *RedisNotifier) Client() *redis.Client {
	return n.client
}

func (n *RedisNotifier) Publish(ctx context.Context, channel, event string, payload any) {
	log := logger.With("realtime")
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal payload")
		return
	}
	data, err := json.Marshal(Message{Channel: channel, Event: event, Payload: raw, SentAt: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal message")
		return
	}
	if err := n.client.Publish(ctx, n.key(channel), data).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Str("event", event).Msg("publish failed")
	}
}

// Subscribe streams messages for channel until ctx is cancelled. The
// returned channel is closed when the subscription ends.
func (n *RedisNotifier) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := n.client.Subscribe(ctx, n.key(channel))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		incoming := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-incoming:
				if !ok {
					return
				}
				var decoded Message
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					lg := logger.With("realtime")
					lg.Warn().Err(err).Str("channel", channel).Msg("drop malformed message")
					continue
				}
				select {
				case out <- decoded:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// Ping checks if Redis is reachable
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
