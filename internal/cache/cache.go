// Package cache provides a Redis-backed TTL cache for the /dashboard/stats
// endpoint (spec §4.Q), closely modeled on the teacher's simple Redis
// cache wrapper.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DashboardCache wraps a Redis client with a key prefix and default TTL
// for caching expensive dashboard aggregation results.
type DashboardCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDashboardCache connects to Redis and verifies the connection with a
// bounded ping before returning.
func NewDashboardCache(addr, prefix string, ttl time.Duration) (*DashboardCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	return &DashboardCache{client: client, prefix: prefix, ttl: ttl}, nil
}

// Get retrieves and unmarshals a cached value. A cache miss returns
// (false, nil), never an error.
func (c *DashboardCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.fullKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set marshals and stores a value under the cache's default TTL.
func (c *DashboardCache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL marshals and stores a value under a custom TTL.
func (c *DashboardCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.fullKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Invalidate deletes a cached key, e.g. when a promotion changes the
// active bundle and dashboard stats must be recomputed.
func (c *DashboardCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (c *DashboardCache) Close() error { return c.client.Close() }

func (c *DashboardCache) fullKey(key string) string { return c.prefix + ":" + key }
