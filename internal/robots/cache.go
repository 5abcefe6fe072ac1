package robots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the cached, serializable form of a robots fetch.
type Record struct {
	Host       string    `json:"host"`
	StatusCode int       `json:"statusCode"`
	Body       []byte    `json:"body,omitempty"`
	Exists     bool      `json:"exists"`
	Failed     bool      `json:"failed"`
	FetchedAt  time.Time `json:"fetchedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Cache stores robots records keyed by host.
type Cache interface {
	Get(ctx context.Context, host string, now time.Time) (Record, bool, error)
	Set(ctx context.Context, rec Record, now time.Time) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string]Record)}
}

// Get returns the unexpired record for host.
func (c *MemoryCache) Get(_ context.Context, host string, now time.Time) (Record, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[strings.ToLower(host)]
	if !ok || !now.Before(rec.ExpiresAt) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Set stores rec until its expiry.
func (c *MemoryCache) Set(_ context.Context, rec Record, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[strings.ToLower(rec.Host)] = rec
	return nil
}

// RedisCache shares robots records between harvester processes.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps a redis client. An empty prefix defaults to
// "harvester:robots:".
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "harvester:robots:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(host string) string {
	return c.prefix + strings.ToLower(host)
}

// Get loads and decodes the record for host.
func (c *RedisCache) Get(ctx context.Context, host string, now time.Time) (Record, bool, error) {
	raw, err := c.client.Get(ctx, c.key(host)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get robots: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode robots record: %w", err)
	}
	if !now.Before(rec.ExpiresAt) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Set stores rec with a TTL matching its expiry.
func (c *RedisCache) Set(ctx context.Context, rec Record, now time.Time) error {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode robots record: %w", err)
	}
	if err := c.client.Set(ctx, c.key(rec.Host), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set robots: %w", err)
	}
	return nil
}
