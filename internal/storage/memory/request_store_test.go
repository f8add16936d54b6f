package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

func TestRequestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRequestStore()
	ctx := context.Background()
	req := pipeline.Request{ID: "req-1", URL: "https://example.com", NormalizedURL: "https://example.com/", Status: pipeline.StatusQueued}
	require.NoError(t, store.Create(ctx, req))
	require.ErrorIs(t, store.Create(ctx, req), pipeline.ErrAlreadyExists)

	active, ok, err := store.FindActive(ctx, "https://example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "req-1", active.ID)

	_, err = store.Transition(ctx, "req-1", pipeline.StatusProcessing, pipeline.RequestUpdate{ProcessingAttempt: 1})
	require.NoError(t, err)
	_, err = store.Transition(ctx, "req-1", pipeline.StatusEvaluating, pipeline.RequestUpdate{})
	require.NoError(t, err)
	result := &pipeline.AnalysisResult{Summary: "done", OverallScore: 8}
	got, err := store.Transition(ctx, "req-1", pipeline.StatusCompleted, pipeline.RequestUpdate{Result: result, EvaluationAttempt: 1})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, got.Status)
	require.Equal(t, 1, got.ProcessingAttempts)
	require.Equal(t, 1, got.EvaluationAttempts)
	require.Equal(t, "done", got.Result.Summary)

	_, ok, err = store.FindActive(ctx, "https://example.com/")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.Transition(ctx, "req-1", pipeline.StatusFailed, pipeline.RequestUpdate{})
	require.ErrorIs(t, err, pipeline.ErrInvalidTransition)
	stored, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, stored.Status)
}

func TestRequestStoreRejectsBadCreates(t *testing.T) {
	t.Parallel()

	store := NewRequestStore()
	ctx := context.Background()
	require.ErrorIs(t, store.Create(ctx, pipeline.Request{}), pipeline.ErrValidation)
	require.ErrorIs(t, store.Create(ctx, pipeline.Request{ID: "x", Status: pipeline.StatusProcessing}), pipeline.ErrInvalidTransition)
	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = store.Transition(ctx, "missing", pipeline.StatusProcessing, pipeline.RequestUpdate{})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestRequestStoreConcurrentTerminalTransitions(t *testing.T) {
	t.Parallel()

	store := NewRequestStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pipeline.Request{ID: "r", Status: pipeline.StatusQueued}))
	_, err := store.Transition(ctx, "r", pipeline.StatusProcessing, pipeline.RequestUpdate{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, "r", pipeline.StatusEvaluating, pipeline.RequestUpdate{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := pipeline.StatusFailed
			var res *pipeline.AnalysisResult
			if i%2 == 0 {
				to = pipeline.StatusCompleted
				res = &pipeline.AnalysisResult{}
			}
			if _, err := store.Transition(ctx, "r", to, pipeline.RequestUpdate{Result: res}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
