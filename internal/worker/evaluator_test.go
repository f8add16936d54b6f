package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

func TestEvaluatorThresholdBoundary(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		score  float64
		status pipeline.Status
		detail string
		cached bool
	}{
		{name: "equal to threshold passes", score: 7.0, status: pipeline.StatusCompleted, cached: true},
		{name: "above threshold passes", score: 9.3, status: pipeline.StatusCompleted, cached: true},
		{
			name:   "just below threshold fails",
			score:  6.9,
			status: pipeline.StatusFailed,
			detail: "low confidence result (score 6.9 < threshold 7.0)",
		},
		{
			name:   "zero fails",
			score:  0,
			status: pipeline.StatusFailed,
			detail: "low confidence result (score 0.0 < threshold 7.0)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.scorer.score = tc.score
			e := f.evaluator(t)
			f.seed(t, "req")
			f.moveTo(t, "req", pipeline.StatusProcessing, pipeline.StatusEvaluating)

			require.NoError(t, e.Handle(context.Background(), evaluationMessage(t, "req", 1)))

			req := f.status(t, "req")
			require.Equal(t, tc.status, req.Status)
			require.Equal(t, tc.detail, req.Detail)

			entry, ok, err := f.cache.Get(context.Background(), "https://example.com/widgets")
			require.NoError(t, err)
			require.Equal(t, tc.cached, ok)

			last := f.events.Last("req")
			require.Equal(t, tc.status, last.Status)
			if tc.cached {
				require.NotNil(t, last.Result)
				require.InDelta(t, tc.score, last.Result.OverallScore, 0.001)
				require.InDelta(t, tc.score, entry.Result.OverallScore, 0.001)
				require.Equal(t, "Widgets are small mechanical parts.", last.Result.Summary)
			} else {
				require.Nil(t, last.Result)
			}
			require.Equal(t, 1, f.scorer.calls, "low confidence is never retried")
		})
	}
}

func TestEvaluatorZeroThresholdAcceptsAnyScore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.scorer.score = 5
	e, err := NewEvaluator(EvaluatorConfig{Threshold: 0, Retry: f.retry}, f.deps(), f.scorer, f.cache)
	require.NoError(t, err)
	f.seed(t, "req")
	f.moveTo(t, "req", pipeline.StatusProcessing, pipeline.StatusEvaluating)

	require.NoError(t, e.Handle(context.Background(), evaluationMessage(t, "req", 1)))
	require.Equal(t, pipeline.StatusCompleted, f.status(t, "req").Status)
}

func TestNewEvaluatorRejectsThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, threshold := range []float64{-0.5, 10.5} {
		_, err := NewEvaluator(EvaluatorConfig{Threshold: threshold}, f.deps(), f.scorer, f.cache)
		require.Error(t, err, "threshold %v", threshold)
	}
}

func TestEvaluatorRetriesScorerErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.scorer.err = errors.New("model overloaded")
	e := f.evaluator(t)
	f.seed(t, "req")
	f.moveTo(t, "req", pipeline.StatusProcessing, pipeline.StatusEvaluating)

	require.NoError(t, e.Handle(context.Background(), evaluationMessage(t, "req", 1)))

	req := f.status(t, "req")
	require.Equal(t, pipeline.StatusEvaluating, req.Status)
	require.Contains(t, req.Detail, "retry 1 of 3")
	require.Eventually(t, func() bool {
		ready, _ := f.broker.Depth(pipeline.DefaultEvaluationQueue)
		return ready == 1
	}, time.Second, time.Millisecond)
	require.Empty(t, f.broker.DeadLetters(pipeline.DefaultEvaluationQueue))
}

func TestEvaluatorFailsWhenRetriesExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.scorer.err = errors.New("model overloaded")
	e := f.evaluator(t)
	f.seed(t, "req")
	f.moveTo(t, "req", pipeline.StatusProcessing, pipeline.StatusEvaluating)

	require.NoError(t, e.Handle(context.Background(), evaluationMessage(t, "req", 4)))

	req := f.status(t, "req")
	require.Equal(t, pipeline.StatusFailed, req.Status)
	require.Contains(t, req.Detail, "evaluation failed after 4 attempts: score: model overloaded")
	require.Len(t, f.broker.DeadLetters(pipeline.DefaultEvaluationQueue), 1)
	ready, _ := f.broker.Depth(pipeline.DefaultEvaluationQueue)
	require.Zero(t, ready)
	_, ok, err := f.cache.Get(context.Background(), "https://example.com/widgets")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluatorSkipsTerminalRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	e := f.evaluator(t)
	f.seed(t, "req")
	f.moveTo(t, "req", pipeline.StatusProcessing, pipeline.StatusEvaluating)
	msg := evaluationMessage(t, "req", 1)

	require.NoError(t, e.Handle(context.Background(), msg))
	// A redelivery after completion changes nothing.
	require.NoError(t, e.Handle(context.Background(), msg))

	require.Equal(t, 1, f.scorer.calls)
	require.Equal(t, []pipeline.Status{pipeline.StatusCompleted}, f.events.Statuses("req"))
}

func TestEvaluatorMovesProcessingRequestToEvaluating(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	e := f.evaluator(t)
	f.seed(t, "req")
	f.moveTo(t, "req", pipeline.StatusProcessing)

	require.NoError(t, e.Handle(context.Background(), evaluationMessage(t, "req", 1)))
	require.Equal(t,
		[]pipeline.Status{pipeline.StatusEvaluating, pipeline.StatusCompleted},
		f.events.Statuses("req"),
	)
}

func TestEvaluatorNacksWhenCacheUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	e, err := NewEvaluator(EvaluatorConfig{Retry: f.retry}, f.deps(), f.scorer, unavailableCache{})
	require.NoError(t, err)
	f.seed(t, "req")
	f.moveTo(t, "req", pipeline.StatusProcessing, pipeline.StatusEvaluating)

	err = e.Handle(context.Background(), evaluationMessage(t, "req", 1))
	require.ErrorIs(t, err, pipeline.ErrCacheUnavailable)
	require.Equal(t, pipeline.StatusEvaluating, f.status(t, "req").Status)
}

type unavailableCache struct{}

func (unavailableCache) Get(context.Context, string) (pipeline.CacheEntry, bool, error) {
	return pipeline.CacheEntry{}, false, pipeline.ErrCacheUnavailable
}

func (unavailableCache) Put(context.Context, string, pipeline.AnalysisResult) error {
	return pipeline.ErrCacheUnavailable
}

func (unavailableCache) Ping(context.Context) error { return pipeline.ErrCacheUnavailable }
