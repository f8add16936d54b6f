// Package fetcher combines the static and headless fetchers behind a single
// pipeline.Fetcher with per-host pacing.
package fetcher

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Router fetches statically first and promotes to headless rendering when
// the request asks for it or the detector flags the static response.
type Router struct {
	static   pipeline.Fetcher
	headless pipeline.Fetcher
	detector pipeline.HeadlessDetector
	limiter  pipeline.FetchLimiter
	observer PromotionObserver
	logger   *zap.Logger
}

// PromotionObserver counts static responses promoted to headless rendering.
type PromotionObserver interface {
	ObserveHeadlessPromotion()
}

// NewRouter wires the fetch path. headless, detector, and limiter may be nil.
func NewRouter(
	static pipeline.Fetcher,
	headless pipeline.Fetcher,
	detector pipeline.HeadlessDetector,
	limiter pipeline.FetchLimiter,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		static:   static,
		headless: headless,
		detector: detector,
		limiter:  limiter,
		logger:   logger.Named("fetcher"),
	}
}

// SetObserver attaches o to record headless promotions.
func (r *Router) SetObserver(o PromotionObserver) {
	r.observer = o
}

// Fetch returns the best available rendering of request.URL.
func (r *Router) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	if err := r.wait(ctx, request.URL); err != nil {
		return pipeline.FetchResponse{}, err
	}
	if request.UseHeadless && r.headless != nil {
		return r.headless.Fetch(ctx, request)
	}

	resp, err := r.static.Fetch(ctx, request)
	if err != nil {
		return pipeline.FetchResponse{}, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return pipeline.FetchResponse{}, pipeline.NewFetchError(request.URL, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if r.headless == nil || r.detector == nil || !r.detector.ShouldPromote(resp) {
		return resp, nil
	}
	if r.observer != nil {
		r.observer.ObserveHeadlessPromotion()
	}

	if err := r.wait(ctx, request.URL); err != nil {
		return pipeline.FetchResponse{}, err
	}
	rendered, err := r.headless.Fetch(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.FetchResponse{}, err
		}
		r.logger.Info("headless promotion failed; keeping static response",
			zap.String("request_id", request.RequestID),
			zap.String("url", request.URL),
			zap.Error(err),
		)
		return resp, nil
	}
	return rendered, nil
}

func (r *Router) wait(ctx context.Context, url string) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx, url); err != nil {
		return pipeline.NewFetchError(url, 0, err)
	}
	return nil
}
