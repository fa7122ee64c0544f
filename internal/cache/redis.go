// Package cache holds the Redis cache for rendered message payloads.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageCache keeps per-message JSON payloads keyed by message id. Message
// rows are immutable, so a cached payload never goes stale; the TTL only
// bounds memory.
type MessageCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*MessageCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

func NewWithClient(client *redis.Client, ttl time.Duration) *MessageCache {
	return &MessageCache{
		client: client,
		prefix: "msg:",
		ttl:    ttl,
	}
}

func (c *MessageCache) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

// GetMessages fetches cached payloads for the given ids in one round trip.
// Missing ids are simply absent from the result.
func (c *MessageCache) GetMessages(ctx context.Context, ids []int64) (map[int64]json.RawMessage, error) {
	found := make(map[int64]json.RawMessage, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget messages: %w", err)
	}

	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		found[ids[i]] = json.RawMessage(text)
	}
	return found, nil
}

// SetMessages writes payloads with the configured TTL, pipelined.
func (c *MessageCache) SetMessages(ctx context.Context, payloads map[int64]json.RawMessage) error {
	if len(payloads) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for id, payload := range payloads {
		pipe.Set(ctx, c.key(id), []byte(payload), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set messages: %w", err)
	}
	return nil
}

func (c *MessageCache) Close() error {
	return c.client.Close()
}

func (c *MessageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
