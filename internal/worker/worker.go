// Package worker implements the processing and evaluation stages. Each stage
// is a broker handler: it acknowledges a delivery only after the next hand-off
// (a published task or a status write) has happened, and returns an error to
// have the broker redeliver when infrastructure is unavailable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Deps are the collaborators shared by both stages.
type Deps struct {
	Broker  pipeline.Broker
	Store   pipeline.RequestStore
	Events  pipeline.StatusPublisher
	Clock   pipeline.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (d Deps) withDefaults(name string) Deps {
	if d.Clock == nil {
		d.Clock = utcClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named(name)
	return d
}

func (d Deps) validate() error {
	switch {
	case d.Broker == nil:
		return errors.New("worker: broker is required")
	case d.Store == nil:
		return errors.New("worker: request store is required")
	case d.Events == nil:
		return errors.New("worker: status publisher is required")
	}
	return nil
}

// stage holds the behavior common to both handlers.
type stage struct {
	Deps
	name  string
	queue string
	retry pipeline.RetryPolicy
}

// transition writes a status change and publishes the resulting event. A
// transition the store refuses is reported through ok=false so the caller
// can acknowledge a delivery that lost a race to a terminal state.
func (s *stage) transition(
	ctx context.Context,
	requestID string,
	to pipeline.Status,
	update pipeline.RequestUpdate,
) (pipeline.Request, bool, error) {
	update.At = s.Clock.Now()
	req, err := s.Store.Transition(ctx, requestID, to, update)
	if errors.Is(err, pipeline.ErrInvalidTransition) {
		s.Logger.Info("status transition refused",
			zap.String("request_id", requestID),
			zap.String("from", string(req.Status)),
			zap.String("to", string(to)),
		)
		return req, false, nil
	}
	if err != nil {
		return req, false, fmt.Errorf("transition %s to %s: %w", requestID, to, err)
	}
	if err := s.emit(ctx, req); err != nil {
		return req, true, err
	}
	return req, true, nil
}

func (s *stage) emit(ctx context.Context, req pipeline.Request) error {
	if err := s.Events.Publish(ctx, req.Event(s.Clock.Now())); err != nil {
		return fmt.Errorf("publish %s event for %s: %w", req.Status, req.ID, err)
	}
	return nil
}

// deadLetter routes an undeliverable body aside so the delivery can be acked.
func (s *stage) deadLetter(ctx context.Context, body []byte, reason string) error {
	if err := s.Broker.DeadLetter(ctx, s.queue, body, reason); err != nil {
		return fmt.Errorf("dead-letter %s task: %w", s.name, err)
	}
	return nil
}

// load fetches the request named by a task. ok=false means the delivery
// should be acked without further work.
func (s *stage) load(ctx context.Context, msg pipeline.Message, requestID string) (pipeline.Request, bool, error) {
	req, err := s.Store.Get(ctx, requestID)
	if errors.Is(err, pipeline.ErrNotFound) {
		s.Logger.Warn("task for unknown request", zap.String("request_id", requestID))
		return req, false, s.deadLetter(ctx, msg.Body, "unknown request "+requestID)
	}
	if err != nil {
		return req, false, fmt.Errorf("load request %s: %w", requestID, err)
	}
	return req, true, nil
}

func (s *stage) observe(start time.Time, outcome string) {
	s.Metrics.ObserveTask(s.name, outcome, s.Clock.Now().Sub(start))
}

// retryDetail describes a scheduled retry on the status event.
func retryDetail(attempt, maxRetries int, delay time.Duration, cause error) string {
	return fmt.Sprintf("attempt %d failed, retry %d of %d in %s: %v",
		attempt, attempt, maxRetries, delay.Round(time.Millisecond), cause)
}

// attemptDetail annotates redeliveries and retries; the first attempt has none.
func attemptDetail(attempt int) string {
	if attempt <= 1 {
		return ""
	}
	return fmt.Sprintf("attempt %d", attempt)
}

// shutdown reports whether the handler context itself ended, in which case
// the delivery is returned to the broker rather than counted as a failure.
func shutdown(ctx context.Context) bool {
	return ctx.Err() != nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
