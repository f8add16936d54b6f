package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-url-analyzer/internal/telemetry"
)

const defaultScoreTimeout = time.Minute

// EvaluatorConfig tunes the evaluation stage.
type EvaluatorConfig struct {
	Queue        string
	Prefetch     int
	ScoreTimeout time.Duration
	// Threshold is inclusive: a score equal to it is accepted. Zero accepts
	// every score.
	Threshold float64
	Retry     pipeline.RetryPolicy
}

// Evaluator scores analyses and settles each request as completed or failed.
type Evaluator struct {
	stage
	cfg    EvaluatorConfig
	scorer pipeline.Scorer
	cache  pipeline.ResultCache
}

// NewEvaluator wires an evaluation stage.
func NewEvaluator(cfg EvaluatorConfig, deps Deps, scorer pipeline.Scorer, cache pipeline.ResultCache) (*Evaluator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if scorer == nil || cache == nil {
		return nil, errors.New("worker: evaluator needs a scorer and a result cache")
	}
	if cfg.Queue == "" {
		cfg.Queue = pipeline.DefaultEvaluationQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = defaultScoreTimeout
	}
	if cfg.Threshold < 0 || cfg.Threshold > 10 || math.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("worker: threshold %v outside [0, 10]", cfg.Threshold)
	}
	return &Evaluator{
		stage: stage{
			Deps:  deps.withDefaults("evaluator"),
			name:  metrics.StageEvaluation,
			queue: cfg.Queue,
			retry: cfg.Retry,
		},
		cfg:    cfg,
		scorer: scorer,
		cache:  cache,
	}, nil
}

// Run consumes the evaluation queue until ctx ends.
func (e *Evaluator) Run(ctx context.Context) error {
	e.Logger.Info("evaluator started",
		zap.String("queue", e.cfg.Queue),
		zap.Int("prefetch", e.cfg.Prefetch),
		zap.Float64("threshold", e.cfg.Threshold),
	)
	return e.Broker.Consume(ctx, e.cfg.Queue, e.cfg.Prefetch, e.Handle)
}

// Handle evaluates one delivery from the evaluation queue.
func (e *Evaluator) Handle(ctx context.Context, msg pipeline.Message) error {
	start := e.Clock.Now()
	defer e.Metrics.TrackWorker(e.name)()

	task, err := pipeline.DecodeEvaluationTask(msg.Body)
	if err != nil {
		e.Logger.Warn("dropping undecodable evaluation task", zap.String("message_id", msg.ID), zap.Error(err))
		if err := e.deadLetter(ctx, msg.Body, err.Error()); err != nil {
			return err
		}
		e.observe(start, metrics.OutcomeDeadLettered)
		return nil
	}

	ctx, span := telemetry.Tracer("worker").Start(ctx, "evaluate_analysis")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", task.RequestID),
		attribute.Int("task.attempt", task.Attempt),
	)

	outcome, err := e.handle(ctx, msg, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.Logger.Warn("evaluation delivery nacked",
			zap.String("request_id", task.RequestID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
		)
		e.observe(start, metrics.OutcomeNacked)
		return err
	}
	e.observe(start, outcome)
	return nil
}

func (e *Evaluator) handle(ctx context.Context, msg pipeline.Message, task pipeline.EvaluationTask) (string, error) {
	logger := e.Logger.With(zap.String("request_id", task.RequestID), zap.Int("attempt", task.Attempt))
	req, ok, err := e.load(ctx, msg, task.RequestID)
	if err != nil {
		return "", err
	}
	if !ok {
		return metrics.OutcomeDeadLettered, nil
	}
	if req.Status.Terminal() {
		logger.Debug("skipping duplicate delivery", zap.String("status", string(req.Status)))
		return metrics.OutcomeSkipped, nil
	}

	// The processor normally moved the request to evaluating already; the
	// event is only emitted when this stage performs the move or a retry.
	if req.Status != pipeline.StatusEvaluating || task.Attempt > 1 {
		if _, ok, err := e.transition(ctx, task.RequestID, pipeline.StatusEvaluating, pipeline.RequestUpdate{
			Detail:            attemptDetail(task.Attempt),
			EvaluationAttempt: task.Attempt,
		}); err != nil || !ok {
			return metrics.OutcomeSkipped, err
		}
	}

	scoreCtx, cancel := context.WithTimeout(ctx, e.cfg.ScoreTimeout)
	score, err := e.scorer.Score(scoreCtx, task.Analysis)
	cancel()
	if err != nil {
		if shutdown(ctx) {
			return "", err
		}
		var ae *pipeline.AnalysisError
		if !errors.As(err, &ae) {
			err = pipeline.NewScoreError(err)
		}
		logger.Warn("scoring attempt failed", zap.Error(err))
		return e.fail(ctx, msg, task, err)
	}

	result := task.Analysis.Clone()
	result.OverallScore = math.Round(score*10) / 10
	if result.OverallScore < e.cfg.Threshold {
		detail := fmt.Sprintf("low confidence result (score %.1f < threshold %.1f)", result.OverallScore, e.cfg.Threshold)
		if _, _, err := e.transition(ctx, task.RequestID, pipeline.StatusFailed, pipeline.RequestUpdate{
			Detail:            detail,
			EvaluationAttempt: task.Attempt,
		}); err != nil {
			return "", err
		}
		logger.Info("analysis rejected", zap.Float64("score", result.OverallScore))
		return metrics.OutcomeFailed, nil
	}

	if err := e.cache.Put(ctx, task.NormalizedURL, result); err != nil {
		return "", fmt.Errorf("cache result: %w", err)
	}
	if _, _, err := e.transition(ctx, task.RequestID, pipeline.StatusCompleted, pipeline.RequestUpdate{
		Result:            &result,
		EvaluationAttempt: task.Attempt,
	}); err != nil {
		return "", err
	}
	logger.Info("analysis accepted", zap.Float64("score", result.OverallScore))
	return metrics.OutcomeSucceeded, nil
}

func (e *Evaluator) fail(ctx context.Context, msg pipeline.Message, task pipeline.EvaluationTask, cause error) (string, error) {
	if e.retry.ShouldRetry(cause, task.Attempt) {
		delay := e.retry.Backoff(task.Attempt)
		next := task
		next.Attempt++
		next.EnqueuedAt = e.Clock.Now()
		body, err := pipeline.Encode(next)
		if err != nil {
			return "", err
		}
		if err := e.Broker.Publish(ctx, e.cfg.Queue, body,
			pipeline.WithDelay(delay),
			pipeline.WithAttribute("request_id", task.RequestID),
		); err != nil {
			return "", fmt.Errorf("republish evaluation task: %w", err)
		}
		if _, _, err := e.transition(ctx, task.RequestID, pipeline.StatusEvaluating, pipeline.RequestUpdate{
			Detail:            retryDetail(task.Attempt, e.retry.MaxRetries, delay, cause),
			EvaluationAttempt: task.Attempt,
		}); err != nil {
			return "", err
		}
		return metrics.OutcomeRetried, nil
	}

	reason := fmt.Sprintf("evaluation failed after %d attempts: %v", task.Attempt, cause)
	if err := e.deadLetter(ctx, msg.Body, reason); err != nil {
		return "", err
	}
	if _, _, err := e.transition(ctx, task.RequestID, pipeline.StatusFailed, pipeline.RequestUpdate{
		Detail:            reason,
		EvaluationAttempt: task.Attempt,
	}); err != nil {
		return "", err
	}
	e.Logger.Error("evaluation retries exhausted",
		zap.String("request_id", task.RequestID),
		zap.Int("attempt", task.Attempt),
		zap.Error(cause),
	)
	return metrics.OutcomeFailed, nil
}
