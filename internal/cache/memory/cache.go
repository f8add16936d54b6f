// Package memory provides an in-process result cache backed by an expirable LRU.
package memory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Cache implements pipeline.ResultCache for single-process deployments.
type Cache struct {
	lru *expirable.LRU[string, pipeline.CacheEntry]
	now func() time.Time
}

// New builds a Cache holding at most size entries for ttl each.
// A size of zero removes the bound; a ttl of zero disables expiry.
func New(size int, ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, pipeline.CacheEntry](size, nil, ttl),
		now: time.Now,
	}
}

// Get returns the entry for normalizedURL.
func (c *Cache) Get(_ context.Context, normalizedURL string) (pipeline.CacheEntry, bool, error) {
	entry, ok := c.lru.Get(normalizedURL)
	if !ok {
		return pipeline.CacheEntry{}, false, nil
	}
	entry.Result = entry.Result.Clone()
	return entry, true, nil
}

// Put stores result for normalizedURL.
func (c *Cache) Put(_ context.Context, normalizedURL string, result pipeline.AnalysisResult) error {
	c.lru.Add(normalizedURL, pipeline.CacheEntry{
		NormalizedURL: normalizedURL,
		Result:        result.Clone(),
		CompletedAt:   c.now().UTC(),
	})
	return nil
}

// Ping always succeeds.
func (c *Cache) Ping(context.Context) error { return nil }

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }
