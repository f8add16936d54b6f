// Package gateway turns submitted URLs into tracked requests. It answers from
// the result cache when it can and otherwise enqueues processing work; it
// never waits on the worker pools.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const defaultMaxURLs = 100

// Config tunes submission handling.
type Config struct {
	// AllowedDomains restricts submissions to these hosts and their
	// subdomains. Empty allows any host.
	AllowedDomains []string
	// MaxURLs caps the entries in one submission.
	MaxURLs int
	// JoinInflight answers a URL whose request is still in flight with that
	// request instead of enqueueing new work.
	JoinInflight    bool
	ProcessingQueue string
}

// Deps are the collaborators a Gateway needs.
type Deps struct {
	Broker  pipeline.Broker
	Cache   pipeline.ResultCache
	Store   pipeline.RequestStore
	Events  pipeline.StatusPublisher
	IDs     pipeline.IDGenerator
	Clock   pipeline.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Gateway implements URL submission.
type Gateway struct {
	cfg Config
	Deps
}

// New constructs a Gateway.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Broker == nil || deps.Cache == nil || deps.Store == nil || deps.Events == nil || deps.IDs == nil {
		return nil, errors.New("gateway: broker, cache, store, events, and id generator are required")
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("gateway")
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = defaultMaxURLs
	}
	if cfg.ProcessingQueue == "" {
		cfg.ProcessingQueue = pipeline.DefaultProcessingQueue
	}
	return &Gateway{cfg: cfg, Deps: deps}, nil
}

// Submit returns one Submission per input URL, in input order. Entries whose
// URLs normalize to the same form share a single request. Only an empty or
// oversized batch is an error; per-URL problems are reported in the entry.
func (g *Gateway) Submit(ctx context.Context, urls []string) ([]pipeline.Submission, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no urls submitted", pipeline.ErrValidation)
	}
	if len(urls) > g.cfg.MaxURLs {
		return nil, fmt.Errorf("%w: %d urls exceeds the limit of %d", pipeline.ErrValidation, len(urls), g.cfg.MaxURLs)
	}

	out := make([]pipeline.Submission, len(urls))
	seen := make(map[string]pipeline.Submission, len(urls))
	for i, raw := range urls {
		normalized, err := g.validate(raw)
		if err != nil {
			out[i] = pipeline.Submission{URL: raw, Status: pipeline.StatusRejected, Detail: err.Error()}
			g.Metrics.ObserveSubmission(pipeline.StatusRejected)
			continue
		}
		if prior, ok := seen[normalized]; ok {
			prior.URL = raw
			out[i] = prior
			continue
		}
		sub := g.submitOne(ctx, raw, normalized)
		seen[normalized] = sub
		out[i] = sub
		g.Metrics.ObserveSubmission(sub.Status)
	}
	return out, nil
}

func (g *Gateway) validate(raw string) (string, error) {
	u, err := pipeline.ParseSubmittedURL(raw)
	if err != nil {
		return "", err
	}
	if !pipeline.HostAllowed(u.Hostname(), g.cfg.AllowedDomains) {
		return "", fmt.Errorf("%w: domain %s is not allowed", pipeline.ErrValidation, u.Hostname())
	}
	return pipeline.NormalizeURL(raw)
}

func (g *Gateway) submitOne(ctx context.Context, raw, normalized string) pipeline.Submission {
	logger := g.Logger.With(zap.String("url", normalized))
	sub := pipeline.Submission{URL: raw}

	if g.cfg.JoinInflight {
		active, ok, err := g.Store.FindActive(ctx, normalized)
		if err != nil {
			logger.Warn("in-flight lookup failed", zap.Error(err))
		} else if ok {
			sub.RequestID = active.ID
			sub.Status = active.Status
			sub.Detail = active.Detail
			return sub
		}
	}

	entry, hit, err := g.Cache.Get(ctx, normalized)
	if err != nil {
		logger.Error("cache lookup failed", zap.Error(err))
		return initiationFailed(sub, err)
	}

	id, err := g.IDs.NewID()
	if err != nil {
		return initiationFailed(sub, err)
	}
	sub.RequestID = id
	now := g.Clock.Now()
	req := pipeline.Request{
		ID:            id,
		URL:           raw,
		NormalizedURL: normalized,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if hit {
		result := entry.Result.Clone()
		req.Status = pipeline.StatusCached
		req.Result = &result
		req.Detail = "served from cache"
		if err := g.Store.Create(ctx, req); err != nil {
			logger.Error("create cached request failed", zap.Error(err))
			sub.RequestID = ""
			return initiationFailed(sub, err)
		}
		if err := g.Events.Publish(ctx, req.Event(now)); err != nil {
			logger.Warn("publish cached event failed", zap.String("request_id", id), zap.Error(err))
		}
		sub.Status = pipeline.StatusCached
		sub.Detail = req.Detail
		sub.Result = &result
		return sub
	}

	req.Status = pipeline.StatusQueued
	if err := g.Store.Create(ctx, req); err != nil {
		logger.Error("create request failed", zap.Error(err))
		sub.RequestID = ""
		return initiationFailed(sub, err)
	}
	if err := g.enqueue(ctx, req, now); err != nil {
		logger.Error("enqueue failed", zap.String("request_id", id), zap.Error(err))
		sub = initiationFailed(sub, err)
		g.markFailed(ctx, id, sub.Detail)
		return sub
	}
	sub.Status = pipeline.StatusQueued
	return sub
}

// enqueue publishes the queued event ahead of the task so an in-process hub
// sees queued before any worker event.
func (g *Gateway) enqueue(ctx context.Context, req pipeline.Request, now time.Time) error {
	if err := g.Events.Publish(ctx, req.Event(now)); err != nil {
		return fmt.Errorf("publish queued event: %w", err)
	}
	body, err := pipeline.Encode(pipeline.ProcessingTask{
		RequestID:     req.ID,
		URL:           req.URL,
		NormalizedURL: req.NormalizedURL,
		Attempt:       1,
		EnqueuedAt:    now,
	})
	if err != nil {
		return err
	}
	if err := g.Broker.Publish(ctx, g.cfg.ProcessingQueue, body,
		pipeline.WithAttribute("request_id", req.ID),
	); err != nil {
		return fmt.Errorf("publish processing task: %w", err)
	}
	return nil
}

func (g *Gateway) markFailed(ctx context.Context, requestID, detail string) {
	req, err := g.Store.Transition(ctx, requestID, pipeline.StatusFailed, pipeline.RequestUpdate{
		Detail: detail,
		At:     g.Clock.Now(),
	})
	if err != nil {
		g.Logger.Error("mark request failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := g.Events.Publish(ctx, req.Event(g.Clock.Now())); err != nil {
		g.Logger.Warn("publish failed event", zap.String("request_id", requestID), zap.Error(err))
	}
}

func initiationFailed(sub pipeline.Submission, err error) pipeline.Submission {
	sub.Status = pipeline.StatusFailed
	sub.Detail = "error initiating processing: " + strings.TrimSpace(err.Error())
	sub.Result = nil
	return sub
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
