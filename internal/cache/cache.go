// Package cache provides a Redis-based cache-aside layer for message history.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds cache configuration. An empty Addr disables caching.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Prefix: "roomchat:",
		TTL:    5 * time.Minute,
	}
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool {
	return c.Addr != ""
}

// Cache provides caching operations using Redis.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	stats  Stats
}

// Stats tracks cache statistics.
type Stats struct {
	Hits    atomic.Uint64
	Misses  atomic.Uint64
	Sets    atomic.Uint64
	Deletes atomic.Uint64
	Errors  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	Errors  uint64  `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Prefix, cfg.TTL), nil
}

// New creates a new cache instance.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Get retrieves a value from the cache and reports whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.stats.Misses.Add(1)
			return false, nil
		}
		c.stats.Errors.Add(1)
		return false, fmt.Errorf("cache get error: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.stats.Errors.Add(1)
		return false, fmt.Errorf("cache unmarshal error: %w", err)
	}

	c.stats.Hits.Add(1)
	return true, nil
}

// Set stores a value in the cache with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		c.stats.Errors.Add(1)
		return fmt.Errorf("cache marshal error: %w", err)
	}

	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.stats.Errors.Add(1)
		return fmt.Errorf("cache set error: %w", err)
	}

	c.stats.Sets.Add(1)
	return nil
}

// Counter returns the integer stored at key, 0 when it is unset.
func (c *Cache) Counter(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, c.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		c.stats.Errors.Add(1)
		return 0, fmt.Errorf("cache counter error: %w", err)
	}
	return n, nil
}

// Incr bumps the counter at key. Counters never expire.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, c.prefix+key).Result()
	if err != nil {
		c.stats.Errors.Add(1)
		return 0, fmt.Errorf("cache incr error: %w", err)
	}
	return n, nil
}

// DeletePattern removes all keys matching a glob pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	var cursor uint64
	var deleted int

	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+pattern, 100).Result()
		if err != nil {
			c.stats.Errors.Add(1)
			return fmt.Errorf("cache scan error: %w", err)
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.stats.Errors.Add(1)
				return fmt.Errorf("cache delete error: %w", err)
			}
			deleted += len(keys)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.stats.Deletes.Add(uint64(deleted))
	return nil
}

// Snapshot returns the current cache statistics.
func (c *Cache) Snapshot() StatsSnapshot {
	hits := c.stats.Hits.Load()
	misses := c.stats.Misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return StatsSnapshot{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.stats.Sets.Load(),
		Deletes: c.stats.Deletes.Load(),
		Errors:  c.stats.Errors.Load(),
		HitRate: hitRate,
	}
}

// Ping checks if the Redis connection is healthy.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
