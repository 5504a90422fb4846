package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes envelopes with PUBLISH on "<prefix><topic>".
type RedisPublisher struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisPublisher connects to the Redis server at url (redis://...).
func NewRedisPublisher(url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisPublisherFromClient(redis.NewClient(opts), prefix), nil
}

func NewRedisPublisherFromClient(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, now: time.Now}
}

// Channel returns the Redis channel a topic is published on.
func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	env, err := NewEnvelope(topic, payload, p.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := p.client.Publish(ctx, p.Channel(topic), msg).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Ping checks connectivity, for startup and health checks.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
