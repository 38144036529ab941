package httpclient

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache shared between processes through Redis. Entries are
// stored as JSON and expire from Redis when they stop being fresh.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	client := httpclient.New(
//	    httpclient.WithCache(httpclient.NewRedisCache(rdb, "httpcache:")),
//	)
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisCache creates a cache storing entries under prefix.
// Default prefix: "httpcache:"
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "httpcache:"
	}
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

// Lookup implements Cache.
func (c *RedisCache) Lookup(ctx context.Context, key string) (*CacheEntry, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// Store implements Cache. Entries that are already stale are not written.
func (c *RedisCache) Store(ctx context.Context, key string, entry *CacheEntry) error {
	ttl := entry.Expires.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}
