package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Noop stands in when headless rendering is disabled. Every fetch fails so
// callers keep the static response.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with a FetchError.
func (Noop) Fetch(_ context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	return pipeline.FetchResponse{}, pipeline.NewFetchError(request.URL, 0, errors.New("headless fetcher not configured"))
}
