package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

func TestCacheMissThenHit(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, ok)

	result := pipeline.AnalysisResult{Summary: "s", Keywords: []string{"go", "redis"}, Sentiment: "Neutral", OverallScore: 7.5}
	require.NoError(t, c.Put(ctx, "https://example.com/a", result))
	require.NoError(t, c.Put(ctx, "https://example.com/a", result))

	entry, ok, err := c.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result, entry.Result)
	require.Equal(t, "https://example.com/a", entry.NormalizedURL)
	require.False(t, entry.CompletedAt.IsZero())
	require.True(t, mr.Exists(KeyPrefix+"https://example.com/a"))
}

func TestCacheTTLExpires(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "https://example.com/", pipeline.AnalysisResult{Summary: "s"}))
	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, "https://example.com/")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	require.NoError(t, mr.Set(KeyPrefix+"https://example.com/", "{"))

	_, ok, err := c.Get(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), 0)
	mr.Close()

	_, _, err := c.Get(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, pipeline.ErrCacheUnavailable)
	require.ErrorIs(t, c.Put(context.Background(), "https://example.com/", pipeline.AnalysisResult{}), pipeline.ErrCacheUnavailable)
	require.ErrorIs(t, c.Ping(context.Background()), pipeline.ErrCacheUnavailable)
}
