package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusEvaluating, true},
		{StatusEvaluating, StatusEvaluating, true},
		{StatusEvaluating, StatusCompleted, true},
		{StatusEvaluating, StatusFailed, true},
		{StatusQueued, StatusFailed, true},
		{StatusProcessing, StatusFailed, true},
		{StatusQueued, StatusEvaluating, false},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, false},
		{StatusEvaluating, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCached, StatusProcessing, false},
		{StatusQueued, StatusCached, false},
		{StatusQueued, StatusRejected, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	t.Parallel()

	all := []Status{StatusQueued, StatusProcessing, StatusEvaluating, StatusCompleted, StatusFailed, StatusCached, StatusRejected}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			require.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestRequestApply(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	req := Request{ID: "req-1", URL: "https://example.com", Status: StatusEvaluating, ProcessingAttempts: 2}
	result := &AnalysisResult{Summary: "s", Keywords: []string{"a"}, Sentiment: "Positive", OverallScore: 8}

	next, err := req.Apply(StatusCompleted, RequestUpdate{Detail: "done", Result: result, EvaluationAttempt: 1, At: now})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, next.Status)
	require.Equal(t, "done", next.Detail)
	require.Equal(t, 2, next.ProcessingAttempts)
	require.Equal(t, 1, next.EvaluationAttempts)
	require.Equal(t, now, next.UpdatedAt)
	require.NotNil(t, next.Result)

	result.Keywords[0] = "mutated"
	require.Equal(t, "a", next.Result.Keywords[0])

	_, err = next.Apply(StatusFailed, RequestUpdate{})
	require.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestStatusEventVariant(t *testing.T) {
	t.Parallel()

	res := &AnalysisResult{Summary: "s"}
	ev := NewStatusEvent("req", "https://example.com", StatusProcessing, "", res, time.Now())
	require.Nil(t, ev.Result)
	require.NoError(t, ev.Validate())

	ev = NewStatusEvent("req", "https://example.com", StatusCompleted, "", res, time.Now())
	require.NotNil(t, ev.Result)
	require.NoError(t, ev.Validate())

	ev.Result = nil
	require.ErrorIs(t, ev.Validate(), ErrValidation)

	ev = StatusEvent{RequestID: "req", Status: StatusRejected}
	require.ErrorIs(t, ev.Validate(), ErrValidation)
}
