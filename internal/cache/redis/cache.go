// Package redis stores final analysis results in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// KeyPrefix is prepended to the normalized URL to form a cache key.
const KeyPrefix = "url_result:"

// Cache implements pipeline.ResultCache with one string key per URL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// New builds a Cache. A ttl of zero keeps entries until evicted by Redis.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, now: time.Now}
}

func key(normalizedURL string) string { return KeyPrefix + normalizedURL }

// Get loads the entry for normalizedURL.
func (c *Cache) Get(ctx context.Context, normalizedURL string) (pipeline.CacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, key(normalizedURL)).Bytes()
	if errors.Is(err, redis.Nil) {
		return pipeline.CacheEntry{}, false, nil
	}
	if err != nil {
		return pipeline.CacheEntry{}, false, fmt.Errorf("%w: get %s: %v", pipeline.ErrCacheUnavailable, normalizedURL, err)
	}
	var entry pipeline.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is treated as a miss; the next accepted result overwrites it.
		return pipeline.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Put writes result for normalizedURL. Repeated writes replace the entry.
func (c *Cache) Put(ctx context.Context, normalizedURL string, result pipeline.AnalysisResult) error {
	raw, err := json.Marshal(pipeline.CacheEntry{
		NormalizedURL: normalizedURL,
		Result:        result,
		CompletedAt:   c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key(normalizedURL), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: put %s: %v", pipeline.ErrCacheUnavailable, normalizedURL, err)
	}
	return nil
}

// Ping checks if Redis is available.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrCacheUnavailable, err)
	}
	return nil
}
