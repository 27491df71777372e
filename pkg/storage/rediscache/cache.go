// Package rediscache is a write-through cache of ACTIVE rate-limit
// events, keyed by the symbol's surrogate id. GetActive answers "is
// this symbol currently throttled?" without a round trip to Postgres;
// Postgres remains the source of truth and every write here is
// mirrored from a committed row, never the other way around.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rpsouza441/ticker-monitor/pkg/models"
)

const keyPrefix = "ratelimit:active:"

// ttl bounds how long a stale ACTIVE entry survives if Close is never
// called for it. Stale entries are harmless; this just keeps the
// cache from growing unbounded.
const ttl = 24 * time.Hour

// Cache mirrors ACTIVE rate-limit events into Redis.
type Cache struct {
	client *redis.Client
}

// New connects to Redis at addr.
func New(addr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// NewWithClient wraps an already-configured client. Used by tests to
// inject a miniredis-backed client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping verifies the Redis connection, for the health probe.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func symbolKey(symbolRef uint) string {
	return fmt.Sprintf("%s%d", keyPrefix, symbolRef)
}

// SetActive writes the ACTIVE event for symbolRef, overwriting
// whatever was cached before it.
func (c *Cache) SetActive(ctx context.Context, symbolRef uint, event models.RateLimitEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal rate-limit event: %w", err)
	}
	if err := c.client.Set(ctx, symbolKey(symbolRef), payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache active rate-limit event: %w", err)
	}
	return nil
}

// ClearActive removes the cached ACTIVE event for symbolRef, mirroring
// a Close in the persistence layer.
func (c *Cache) ClearActive(ctx context.Context, symbolRef uint) error {
	if err := c.client.Del(ctx, symbolKey(symbolRef)).Err(); err != nil {
		return fmt.Errorf("clear active rate-limit event: %w", err)
	}
	return nil
}

// GetActive returns the cached ACTIVE event for symbolRef, if any.
// found is false on a cache miss, not an error.
func (c *Cache) GetActive(ctx context.Context, symbolRef uint) (event models.RateLimitEvent, found bool, err error) {
	payload, err := c.client.Get(ctx, symbolKey(symbolRef)).Bytes()
	if err == redis.Nil {
		return models.RateLimitEvent{}, false, nil
	}
	if err != nil {
		return models.RateLimitEvent{}, false, fmt.Errorf("get active rate-limit event: %w", err)
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return models.RateLimitEvent{}, false, fmt.Errorf("unmarshal cached rate-limit event: %w", err)
	}
	return event, true, nil
}
