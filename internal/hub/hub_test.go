package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-url-analyzer/internal/storage/memory"
)

const testURL = "https://example.com/"

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func event(id string, status pipeline.Status) pipeline.StatusEvent {
	var result *pipeline.AnalysisResult
	if status.CarriesResult() {
		result = &pipeline.AnalysisResult{Summary: "ok", OverallScore: 8}
	}
	return pipeline.NewStatusEvent(id, testURL, status, "", result, time.Now())
}

func collect(t *testing.T, sub *Subscription) []pipeline.Status {
	t.Helper()
	var got []pipeline.Status
	timeout := time.After(time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, evt.Status)
		case <-timeout:
			t.Fatalf("subscription did not close; got %v", got)
		}
	}
}

func TestSubscriberReceivesLatestThenOrderedEvents(t *testing.T) {
	t.Parallel()

	h := New(Config{}, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusQueued)))
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusProcessing)))

	sub, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusProcessing)))
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusEvaluating)))
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusCompleted)))

	require.Equal(t, []pipeline.Status{
		pipeline.StatusProcessing,
		pipeline.StatusProcessing,
		pipeline.StatusEvaluating,
		pipeline.StatusCompleted,
	}, collect(t, sub))
	require.Zero(t, h.Stats().Subscribers)
}

func TestNothingFollowsTerminal(t *testing.T) {
	t.Parallel()

	h := New(Config{}, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusQueued)))
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusFailed)))
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusProcessing)))

	latest, ok := h.Latest("r1")
	require.True(t, ok)
	require.Equal(t, pipeline.StatusFailed, latest.Status)
	require.EqualValues(t, 1, h.Stats().Stale)

	sub, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []pipeline.Status{pipeline.StatusFailed}, collect(t, sub))
}

func TestStaleEventsAreDiscarded(t *testing.T) {
	t.Parallel()

	h := New(Config{}, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusProcessing)))
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusQueued)))

	latest, ok := h.Latest("r1")
	require.True(t, ok)
	require.Equal(t, pipeline.StatusProcessing, latest.Status)
}

func TestSubscribeFallsBackToStore(t *testing.T) {
	t.Parallel()

	store := memory.NewRequestStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, pipeline.Request{
		ID: "r1", URL: testURL, NormalizedURL: testURL,
		Status: pipeline.StatusQueued, CreatedAt: now, UpdatedAt: now,
	}))
	_, err := store.Transition(ctx, "r1", pipeline.StatusProcessing, pipeline.RequestUpdate{At: now})
	require.NoError(t, err)

	h := New(Config{}, store, nil, nil)
	sub, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Events()
	require.Equal(t, pipeline.StatusProcessing, first.Status)
	require.Equal(t, "r1", first.RequestID)

	_, err = h.Subscribe(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.Equal(t, 1, h.Stats().Subscribers)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	t.Parallel()

	h := New(Config{SubscriberBuffer: 2}, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusQueued)))
	slow, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusProcessing)))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)

	got := collect(t, slow)
	require.Len(t, got, 2)
	require.EqualValues(t, 1, h.Stats().Dropped)
	require.Zero(t, h.Stats().Subscribers)
}

func TestSubscriberLimit(t *testing.T) {
	t.Parallel()

	h := New(Config{MaxSubscribers: 1}, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusQueued)))

	first, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)
	_, err = h.Subscribe(ctx, "r1")
	require.ErrorIs(t, err, pipeline.ErrSubscriberLimit)

	first.Close()
	first.Close()
	second, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)
	second.Close()
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	t.Parallel()

	h := New(Config{}, nil, nil, nil)
	require.NoError(t, h.Publish(context.Background(), event("r1", pipeline.StatusQueued)))

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)
	cancel()

	require.Equal(t, []pipeline.Status{pipeline.StatusQueued}, collect(t, sub))
	require.Eventually(t, func() bool { return h.Stats().Subscribers == 0 }, time.Second, 5*time.Millisecond)
}

func TestSweepEvictsAfterRetention(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := New(Config{Retention: time.Minute}, nil, nil, clock)
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event("done", pipeline.StatusCached)))
	require.NoError(t, h.Publish(ctx, event("busy", pipeline.StatusQueued)))
	sub, err := h.Subscribe(ctx, "busy")
	require.NoError(t, err)
	defer sub.Close()

	require.Zero(t, h.Sweep(clock.now.Add(30*time.Second)))
	require.Equal(t, 1, h.Sweep(clock.now.Add(2*time.Minute)))
	_, ok := h.Latest("done")
	require.False(t, ok)
	_, ok = h.Latest("busy")
	require.True(t, ok)
}

func TestEvictedRequestIgnoresEventsBehindStore(t *testing.T) {
	t.Parallel()

	store := memory.NewRequestStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, pipeline.Request{
		ID: "r1", URL: testURL, NormalizedURL: testURL,
		Status: pipeline.StatusQueued, CreatedAt: now, UpdatedAt: now,
	}))

	clock := &fixedClock{now: now}
	h := New(Config{Retention: time.Minute}, store, nil, clock)
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusQueued)))
	require.Equal(t, 1, h.Sweep(now.Add(2*time.Minute)))

	for _, status := range []pipeline.Status{pipeline.StatusProcessing, pipeline.StatusEvaluating, pipeline.StatusCompleted} {
		_, err := store.Transition(ctx, "r1", status, pipeline.RequestUpdate{At: now})
		require.NoError(t, err)
	}

	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusProcessing)))
	_, ok := h.Latest("r1")
	require.False(t, ok, "a relayed event older than the store must not seed the request")
	require.EqualValues(t, 1, h.Stats().Stale)

	sub, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []pipeline.Status{pipeline.StatusCompleted}, collect(t, sub))

	// An event matching the stored status is still accepted.
	require.NoError(t, store.Create(ctx, pipeline.Request{
		ID: "r2", URL: testURL, NormalizedURL: testURL,
		Status: pipeline.StatusQueued, CreatedAt: now, UpdatedAt: now,
	}))
	_, err = store.Transition(ctx, "r2", pipeline.StatusProcessing, pipeline.RequestUpdate{At: now})
	require.NoError(t, err)
	require.NoError(t, h.Publish(ctx, event("r2", pipeline.StatusProcessing)))
	latest, ok := h.Latest("r2")
	require.True(t, ok)
	require.Equal(t, pipeline.StatusProcessing, latest.Status)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	h := New(Config{}, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event("r1", pipeline.StatusQueued)))
	sub, err := h.Subscribe(ctx, "r1")
	require.NoError(t, err)

	h.Close()
	require.Equal(t, []pipeline.Status{pipeline.StatusQueued}, collect(t, sub))
	require.ErrorIs(t, h.Publish(ctx, event("r1", pipeline.StatusProcessing)), pipeline.ErrHubClosed)
	_, err = h.Subscribe(ctx, "r1")
	require.ErrorIs(t, err, pipeline.ErrHubClosed)
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	h := New(Config{}, nil, nil, nil)
	err := h.Publish(context.Background(), pipeline.StatusEvent{RequestID: "r1", Status: pipeline.StatusCompleted})
	require.ErrorIs(t, err, pipeline.ErrValidation)
}
