package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-url-analyzer/internal/telemetry"
)

const (
	defaultFetchTimeout    = 30 * time.Second
	defaultAnalysisTimeout = 2 * time.Minute
)

// ProcessorConfig tunes the processing stage.
type ProcessorConfig struct {
	Queue           string
	EvaluationQueue string
	// Prefetch bounds the deliveries handled concurrently.
	Prefetch        int
	FetchTimeout    time.Duration
	AnalysisTimeout time.Duration
	Retry           pipeline.RetryPolicy
}

// Processor fetches a URL, extracts its text, and analyzes it, handing the
// result to the evaluation stage.
type Processor struct {
	stage
	cfg       ProcessorConfig
	fetcher   pipeline.Fetcher
	extractor pipeline.Extractor
	analyzer  pipeline.Analyzer
	content   pipeline.ContentStore
}

// NewProcessor wires a processing stage. content may be nil.
func NewProcessor(
	cfg ProcessorConfig,
	deps Deps,
	fetcher pipeline.Fetcher,
	extractor pipeline.Extractor,
	analyzer pipeline.Analyzer,
	content pipeline.ContentStore,
) (*Processor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || extractor == nil || analyzer == nil {
		return nil, errors.New("worker: processor needs a fetcher, extractor, and analyzer")
	}
	if cfg.Queue == "" {
		cfg.Queue = pipeline.DefaultProcessingQueue
	}
	if cfg.EvaluationQueue == "" {
		cfg.EvaluationQueue = pipeline.DefaultEvaluationQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = defaultAnalysisTimeout
	}
	return &Processor{
		stage: stage{
			Deps:  deps.withDefaults("processor"),
			name:  metrics.StageProcessing,
			queue: cfg.Queue,
			retry: cfg.Retry,
		},
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		analyzer:  analyzer,
		content:   content,
	}, nil
}

// Run consumes the processing queue until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	p.Logger.Info("processor started",
		zap.String("queue", p.cfg.Queue),
		zap.Int("prefetch", p.cfg.Prefetch),
	)
	return p.Broker.Consume(ctx, p.cfg.Queue, p.cfg.Prefetch, p.Handle)
}

// Handle processes one delivery from the processing queue.
func (p *Processor) Handle(ctx context.Context, msg pipeline.Message) error {
	start := p.Clock.Now()
	defer p.Metrics.TrackWorker(p.name)()

	task, err := pipeline.DecodeProcessingTask(msg.Body)
	if err != nil {
		p.Logger.Warn("dropping undecodable processing task", zap.String("message_id", msg.ID), zap.Error(err))
		if err := p.deadLetter(ctx, msg.Body, err.Error()); err != nil {
			return err
		}
		p.observe(start, metrics.OutcomeDeadLettered)
		return nil
	}

	ctx, span := telemetry.Tracer("worker").Start(ctx, "process_url")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", task.RequestID),
		attribute.String("url.full", task.URL),
		attribute.Int("task.attempt", task.Attempt),
	)

	outcome, err := p.handle(ctx, msg, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.Logger.Warn("processing delivery nacked",
			zap.String("request_id", task.RequestID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
		)
		p.observe(start, metrics.OutcomeNacked)
		return err
	}
	p.observe(start, outcome)
	return nil
}

func (p *Processor) handle(ctx context.Context, msg pipeline.Message, task pipeline.ProcessingTask) (string, error) {
	logger := p.Logger.With(
		zap.String("request_id", task.RequestID),
		zap.String("url", task.URL),
		zap.Int("attempt", task.Attempt),
	)
	req, ok, err := p.load(ctx, msg, task.RequestID)
	if err != nil {
		return "", err
	}
	if !ok {
		return metrics.OutcomeDeadLettered, nil
	}
	if req.Status.Terminal() || req.Status == pipeline.StatusEvaluating {
		logger.Debug("skipping duplicate delivery", zap.String("status", string(req.Status)))
		return metrics.OutcomeSkipped, nil
	}

	if _, ok, err := p.transition(ctx, task.RequestID, pipeline.StatusProcessing, pipeline.RequestUpdate{
		Detail:            attemptDetail(task.Attempt),
		ProcessingAttempt: task.Attempt,
	}); err != nil || !ok {
		return metrics.OutcomeSkipped, err
	}

	content, analysis, err := p.process(ctx, task)
	if err != nil {
		if shutdown(ctx) || pipeline.IsInfrastructure(err) {
			return "", err
		}
		logger.Warn("processing attempt failed", zap.Error(err))
		return p.fail(ctx, msg, task, err)
	}

	evalTask := pipeline.EvaluationTask{
		RequestID:     task.RequestID,
		URL:           task.URL,
		NormalizedURL: task.NormalizedURL,
		Analysis:      analysis,
		Attempt:       1,
		EnqueuedAt:    p.Clock.Now(),
	}
	body, err := pipeline.Encode(evalTask)
	if err != nil {
		return "", err
	}
	if err := p.Broker.Publish(ctx, p.cfg.EvaluationQueue, body,
		pipeline.WithAttribute("request_id", task.RequestID),
	); err != nil {
		return "", fmt.Errorf("publish evaluation task: %w", err)
	}

	if p.content != nil {
		if err := p.content.PutContent(ctx, content); err != nil {
			logger.Warn("storing extracted content failed", zap.Error(err))
		}
	}

	if _, _, err := p.transition(ctx, task.RequestID, pipeline.StatusEvaluating, pipeline.RequestUpdate{
		ProcessingAttempt: task.Attempt,
	}); err != nil {
		return "", err
	}
	logger.Info("url processed", zap.Int("text_chars", len(content.Text)))
	return metrics.OutcomeSucceeded, nil
}

// process runs the fetch, extract, and analyze steps of one attempt under
// their own timeouts.
func (p *Processor) process(ctx context.Context, task pipeline.ProcessingTask) (pipeline.Content, pipeline.AnalysisResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	resp, err := p.fetcher.Fetch(fetchCtx, pipeline.FetchRequest{
		RequestID: task.RequestID,
		URL:       task.URL,
		Attempt:   task.Attempt,
	})
	cancel()
	if err != nil {
		var fe *pipeline.FetchError
		if !errors.As(err, &fe) {
			err = pipeline.NewFetchError(task.URL, 0, err)
		}
		return pipeline.Content{}, pipeline.AnalysisResult{}, err
	}
	p.Metrics.ObserveFetch(task.URL, len(resp.Body))

	content, err := p.extractor.Extract(resp)
	if err != nil {
		return pipeline.Content{}, pipeline.AnalysisResult{}, err
	}
	content.URL = task.URL
	content.NormalizedURL = task.NormalizedURL
	content.FetchedAt = p.Clock.Now()

	analyzeCtx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
	defer cancel()
	analysis, err := p.analyzer.Analyze(analyzeCtx, content.Text)
	if err != nil {
		var ae *pipeline.AnalysisError
		if !errors.As(err, &ae) {
			err = pipeline.NewAnalysisError(err)
		}
		return pipeline.Content{}, pipeline.AnalysisResult{}, err
	}
	return content, analysis, nil
}

// fail schedules a delayed retry, or dead-letters the task and fails the
// request once retries are exhausted.
func (p *Processor) fail(ctx context.Context, msg pipeline.Message, task pipeline.ProcessingTask, cause error) (string, error) {
	if p.retry.ShouldRetry(cause, task.Attempt) {
		delay := p.retry.Backoff(task.Attempt)
		next := task
		next.Attempt++
		next.EnqueuedAt = p.Clock.Now()
		body, err := pipeline.Encode(next)
		if err != nil {
			return "", err
		}
		if err := p.Broker.Publish(ctx, p.cfg.Queue, body,
			pipeline.WithDelay(delay),
			pipeline.WithAttribute("request_id", task.RequestID),
		); err != nil {
			return "", fmt.Errorf("republish processing task: %w", err)
		}
		if _, _, err := p.transition(ctx, task.RequestID, pipeline.StatusProcessing, pipeline.RequestUpdate{
			Detail:            retryDetail(task.Attempt, p.retry.MaxRetries, delay, cause),
			ProcessingAttempt: task.Attempt,
		}); err != nil {
			return "", err
		}
		return metrics.OutcomeRetried, nil
	}

	reason := fmt.Sprintf("processing failed after %d attempts: %v", task.Attempt, cause)
	if err := p.deadLetter(ctx, msg.Body, reason); err != nil {
		return "", err
	}
	if _, _, err := p.transition(ctx, task.RequestID, pipeline.StatusFailed, pipeline.RequestUpdate{
		Detail:            reason,
		ProcessingAttempt: task.Attempt,
	}); err != nil {
		return "", err
	}
	p.Logger.Error("processing retries exhausted",
		zap.String("request_id", task.RequestID),
		zap.Int("attempt", task.Attempt),
		zap.Error(cause),
	)
	return metrics.OutcomeFailed, nil
}
