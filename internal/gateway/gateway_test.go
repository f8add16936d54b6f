package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	brokermem "github.com/JakeFAU/realtime-url-analyzer/internal/broker/memory"
	cachemem "github.com/JakeFAU/realtime-url-analyzer/internal/cache/memory"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	storemem "github.com/JakeFAU/realtime-url-analyzer/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("req-%d", s.n), nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []pipeline.StatusEvent
}

func (r *recordingEvents) Publish(_ context.Context, evt pipeline.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type failingBroker struct {
	pipeline.Broker
}

func (failingBroker) Publish(context.Context, string, []byte, ...pipeline.PublishOption) error {
	return pipeline.ErrBrokerUnavailable
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (pipeline.CacheEntry, bool, error) {
	return pipeline.CacheEntry{}, false, fmt.Errorf("%w: dial tcp: connection refused", pipeline.ErrCacheUnavailable)
}

func (failingCache) Put(context.Context, string, pipeline.AnalysisResult) error {
	return pipeline.ErrCacheUnavailable
}

func (failingCache) Ping(context.Context) error { return pipeline.ErrCacheUnavailable }

type harness struct {
	gw     *Gateway
	broker *brokermem.Broker
	cache  *cachemem.Cache
	store  *storemem.RequestStore
	events *recordingEvents
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		broker: brokermem.New(brokermem.Config{}, zap.NewNop()),
		cache:  cachemem.New(16, time.Minute),
		store:  storemem.NewRequestStore(),
		events: &recordingEvents{},
	}
	t.Cleanup(func() { _ = h.broker.Close() })
	gw, err := New(cfg, Deps{
		Broker: h.broker,
		Cache:  h.cache,
		Store:  h.store,
		Events: h.events,
		IDs:    &seqIDs{},
	})
	require.NoError(t, err)
	h.gw = gw
	return h
}

func (h *harness) queued() int {
	ready, _ := h.broker.Depth(pipeline.DefaultProcessingQueue)
	return ready
}

func TestSubmitQueuesNewURL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	subs, err := h.gw.Submit(context.Background(), []string{"https://Example.com/a#top"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, pipeline.StatusQueued, subs[0].Status)
	require.Equal(t, "req-1", subs[0].RequestID)
	require.Equal(t, "https://Example.com/a#top", subs[0].URL)
	require.Equal(t, 1, h.queued())

	req, err := h.store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusQueued, req.Status)
	require.Equal(t, "https://example.com/a", req.NormalizedURL)

	require.Len(t, h.events.events, 1)
	require.Equal(t, pipeline.StatusQueued, h.events.events[0].Status)
}

func TestSubmitCacheHitEnqueuesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	result := pipeline.AnalysisResult{Summary: "cached summary", Keywords: []string{"a"}, Sentiment: "positive", OverallScore: 8.5}
	require.NoError(t, h.cache.Put(context.Background(), "https://example.com/a", result))

	subs, err := h.gw.Submit(context.Background(), []string{"https://example.com/a", "HTTPS://EXAMPLE.COM:443/a"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		require.Equal(t, pipeline.StatusCached, sub.Status)
		require.Equal(t, "req-1", sub.RequestID)
		require.NotNil(t, sub.Result)
		require.Equal(t, result, *sub.Result)
	}
	require.Zero(t, h.queued())

	req, err := h.store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCached, req.Status)
	require.Len(t, h.events.events, 1)
	require.Equal(t, pipeline.StatusCached, h.events.events[0].Status)
	require.NotNil(t, h.events.events[0].Result)
}

func TestSubmitCollapsesDuplicateURLs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	subs, err := h.gw.Submit(context.Background(), []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/a",
	})
	require.NoError(t, err)
	require.Len(t, subs, 3)
	require.Equal(t, subs[0].RequestID, subs[2].RequestID)
	require.Equal(t, subs[0].Status, subs[2].Status)
	require.NotEqual(t, subs[0].RequestID, subs[1].RequestID)
	require.Equal(t, "https://example.com/b", subs[1].URL)
	require.Equal(t, 2, h.queued())
}

func TestSubmitRejectsInvalidURLs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AllowedDomains: []string{"example.com"}})

	subs, err := h.gw.Submit(context.Background(), []string{
		"ftp://example.com/file",
		"not a url",
		"https://",
		"https://evil.test/",
		"https://news.example.com/story",
	})
	require.NoError(t, err)
	require.Len(t, subs, 5)
	for _, sub := range subs[:4] {
		require.Equal(t, pipeline.StatusRejected, sub.Status, sub.URL)
		require.Empty(t, sub.RequestID)
		require.NotEmpty(t, sub.Detail)
	}
	require.Contains(t, subs[3].Detail, "not allowed")
	require.Equal(t, pipeline.StatusQueued, subs[4].Status)
	require.Equal(t, 1, h.queued())
	require.Len(t, h.events.events, 1)
}

func TestSubmitBatchLimits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxURLs: 2})

	_, err := h.gw.Submit(context.Background(), nil)
	require.ErrorIs(t, err, pipeline.ErrValidation)
	_, err = h.gw.Submit(context.Background(), []string{"https://a.test", "https://b.test", "https://c.test"})
	require.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestSubmitBrokerFailureFailsEntry(t *testing.T) {
	t.Parallel()
	store := storemem.NewRequestStore()
	events := &recordingEvents{}
	gw, err := New(Config{}, Deps{
		Broker: failingBroker{},
		Cache:  cachemem.New(4, time.Minute),
		Store:  store,
		Events: events,
		IDs:    &seqIDs{},
	})
	require.NoError(t, err)

	subs, err := gw.Submit(context.Background(), []string{"https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, subs[0].Status)
	require.Equal(t, "req-1", subs[0].RequestID)
	require.Contains(t, subs[0].Detail, "error initiating processing: ")

	req, err := store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, req.Status)
	require.Equal(t, subs[0].Detail, req.Detail)

	require.Len(t, events.events, 2)
	require.Equal(t, pipeline.StatusQueued, events.events[0].Status)
	require.Equal(t, pipeline.StatusFailed, events.events[1].Status)
}

func TestSubmitCacheFailureFailsEntry(t *testing.T) {
	t.Parallel()
	b := brokermem.New(brokermem.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	gw, err := New(Config{}, Deps{
		Broker: b,
		Cache:  failingCache{},
		Store:  storemem.NewRequestStore(),
		Events: &recordingEvents{},
		IDs:    &seqIDs{},
	})
	require.NoError(t, err)

	subs, err := gw.Submit(context.Background(), []string{"https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, subs[0].Status)
	require.Empty(t, subs[0].RequestID)
	require.Contains(t, subs[0].Detail, "connection refused")
	ready, _ := b.Depth(pipeline.DefaultProcessingQueue)
	require.Zero(t, ready)
}

func TestSubmitJoinsInflightRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{JoinInflight: true})

	first, err := h.gw.Submit(context.Background(), []string{"https://example.com/a"})
	require.NoError(t, err)
	_, err = h.store.Transition(context.Background(), first[0].RequestID, pipeline.StatusProcessing, pipeline.RequestUpdate{})
	require.NoError(t, err)

	second, err := h.gw.Submit(context.Background(), []string{"https://example.com/a/"})
	require.NoError(t, err)
	require.Equal(t, first[0].RequestID, second[0].RequestID)
	require.Equal(t, pipeline.StatusProcessing, second[0].Status)
	require.Equal(t, 1, h.queued())
}

func TestSubmitWithoutJoinCreatesNewRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	first, err := h.gw.Submit(context.Background(), []string{"https://example.com/a"})
	require.NoError(t, err)
	second, err := h.gw.Submit(context.Background(), []string{"https://example.com/a"})
	require.NoError(t, err)
	require.NotEqual(t, first[0].RequestID, second[0].RequestID)
	require.Equal(t, 2, h.queued())
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	require.False(t, errors.Is(err, pipeline.ErrValidation))
}
