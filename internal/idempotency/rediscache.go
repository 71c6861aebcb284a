package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps completed records in Redis under "<prefix>:idempotency:<key>".
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// DialRedisCache connects to addr and verifies the connection.
func DialRedisCache(ctx context.Context, addr, prefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisCache(client, prefix), nil
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GenerateKey builds the namespaced Redis key for an idempotency key.
func (c *RedisCache) GenerateKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", c.prefix, key)
}

type cachedRecord struct {
	Key         string          `json:"key"`
	Operation   string          `json:"operation"`
	Result      json.RawMessage `json:"result"`
	RequestHash string          `json:"request_hash,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// GetCompleted returns a cached completed record.
func (c *RedisCache) GetCompleted(ctx context.Context, key string) (Record, bool, error) {
	data, err := c.client.Get(ctx, c.GenerateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}

	var cr cachedRecord
	if err := json.Unmarshal(data, &cr); err != nil {
		return Record{}, false, fmt.Errorf("decode cached record: %w", err)
	}
	return Record{
		Key:         cr.Key,
		Operation:   cr.Operation,
		Status:      StatusCompleted,
		Result:      cr.Result,
		RequestHash: cr.RequestHash,
		CreatedAt:   cr.CreatedAt,
		ExpiresAt:   cr.ExpiresAt,
	}, true, nil
}

// PutCompleted caches rec for ttl. Zero ttl keeps it until evicted.
func (c *RedisCache) PutCompleted(ctx context.Context, rec Record, ttl time.Duration) error {
	if rec.Status != StatusCompleted {
		return fmt.Errorf("only completed records are cached, got %s", rec.Status)
	}
	data, err := json.Marshal(cachedRecord{
		Key:         rec.Key,
		Operation:   rec.Operation,
		Result:      rec.Result,
		RequestHash: rec.RequestHash,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode cached record: %w", err)
	}
	if err := c.client.Set(ctx, c.GenerateKey(rec.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
