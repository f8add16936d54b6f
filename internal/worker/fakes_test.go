package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	brokermem "github.com/JakeFAU/realtime-url-analyzer/internal/broker/memory"
	cachemem "github.com/JakeFAU/realtime-url-analyzer/internal/cache/memory"
	"github.com/JakeFAU/realtime-url-analyzer/internal/extract"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	storemem "github.com/JakeFAU/realtime-url-analyzer/internal/storage/memory"
)

const testPage = `<html><head><title>Widgets</title></head><body>
<article><p>Widgets are small mechanical parts used in many machines.</p>
<p>This page explains how widgets are made and why they matter.</p></article>
</body></html>`

var errTransient = errors.New("transient error")

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fails int
}

func (f *fakeFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return pipeline.FetchResponse{}, pipeline.NewFetchError(req.URL, 503, errTransient)
	}
	return pipeline.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(testPage),
	}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(_ context.Context, content string) (pipeline.AnalysisResult, error) {
	if content == "" {
		return pipeline.AnalysisResult{}, pipeline.NewAnalysisError(errors.New("empty content"))
	}
	return pipeline.AnalysisResult{
		Summary:   "Widgets are small mechanical parts.",
		Keywords:  []string{"widgets", "parts"},
		Sentiment: "neutral",
	}, nil
}

type fakeScorer struct {
	mu    sync.Mutex
	score float64
	err   error
	calls int
}

func (s *fakeScorer) Score(context.Context, pipeline.AnalysisResult) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.score, s.err
}

type recordingEvents struct {
	mu     sync.Mutex
	events []pipeline.StatusEvent
	err    error
}

func (r *recordingEvents) Publish(_ context.Context, evt pipeline.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEvents) Statuses(requestID string) []pipeline.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pipeline.Status
	for _, evt := range r.events {
		if evt.RequestID == requestID {
			out = append(out, evt.Status)
		}
	}
	return out
}

func (r *recordingEvents) Last(requestID string) pipeline.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].RequestID == requestID {
			return r.events[i]
		}
	}
	return pipeline.StatusEvent{}
}

type brokenStore struct {
	pipeline.RequestStore
}

func (brokenStore) Get(context.Context, string) (pipeline.Request, error) {
	return pipeline.Request{}, errors.New("connection refused")
}

type fixture struct {
	broker  *brokermem.Broker
	store   *storemem.RequestStore
	events  *recordingEvents
	cache   *cachemem.Cache
	fetcher *fakeFetcher
	scorer  *fakeScorer
	retry   pipeline.RetryPolicy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := brokermem.New(brokermem.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	return &fixture{
		broker:  b,
		store:   storemem.NewRequestStore(),
		events:  &recordingEvents{},
		cache:   cachemem.New(16, time.Minute),
		fetcher: &fakeFetcher{},
		scorer:  &fakeScorer{score: 8},
		retry:   pipeline.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
	}
}

func (f *fixture) deps() Deps {
	return Deps{Broker: f.broker, Store: f.store, Events: f.events, Logger: zap.NewNop()}
}

func (f *fixture) processor(t *testing.T) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorConfig{Prefetch: 2, Retry: f.retry}, f.deps(), f.fetcher, extract.New(0), fakeAnalyzer{}, nil)
	require.NoError(t, err)
	return p
}

func (f *fixture) evaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(EvaluatorConfig{Prefetch: 2, Threshold: 7, Retry: f.retry}, f.deps(), f.scorer, f.cache)
	require.NoError(t, err)
	return e
}

// seed creates a queued request and returns the processing task message for it.
func (f *fixture) seed(t *testing.T, id string) pipeline.Message {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.Create(context.Background(), pipeline.Request{
		ID:            id,
		URL:           "https://example.com/widgets",
		NormalizedURL: "https://example.com/widgets",
		Status:        pipeline.StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	body, err := pipeline.Encode(pipeline.ProcessingTask{
		RequestID:     id,
		URL:           "https://example.com/widgets",
		NormalizedURL: "https://example.com/widgets",
		Attempt:       1,
		EnqueuedAt:    now,
	})
	require.NoError(t, err)
	return pipeline.Message{ID: id, Queue: pipeline.DefaultProcessingQueue, Body: body, Deliveries: 1}
}

func (f *fixture) status(t *testing.T, id string) pipeline.Request {
	t.Helper()
	req, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func evaluationMessage(t *testing.T, id string, attempt int) pipeline.Message {
	t.Helper()
	body, err := pipeline.Encode(pipeline.EvaluationTask{
		RequestID:     id,
		URL:           "https://example.com/widgets",
		NormalizedURL: "https://example.com/widgets",
		Analysis: pipeline.AnalysisResult{
			Summary:   "Widgets are small mechanical parts.",
			Keywords:  []string{"widgets"},
			Sentiment: "neutral",
		},
		Attempt: attempt,
	})
	require.NoError(t, err)
	return pipeline.Message{ID: id, Queue: pipeline.DefaultEvaluationQueue, Body: body, Deliveries: 1}
}

// moveTo walks a queued request to status through the legal path.
func (f *fixture) moveTo(t *testing.T, id string, statuses ...pipeline.Status) {
	t.Helper()
	for _, st := range statuses {
		_, err := f.store.Transition(context.Background(), id, st, pipeline.RequestUpdate{})
		require.NoError(t, err)
	}
}
