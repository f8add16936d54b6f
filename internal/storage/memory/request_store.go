package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// RequestStore keeps Request records in memory and indexes in-flight
// requests by normalized URL.
type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]pipeline.Request
	active   map[string]string
}

// NewRequestStore constructs an empty RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests: make(map[string]pipeline.Request),
		active:   make(map[string]string),
	}
}

// Create stores a new request, which must start queued or cached.
func (s *RequestStore) Create(_ context.Context, req pipeline.Request) error {
	if req.ID == "" {
		return fmt.Errorf("%w: request id is required", pipeline.ErrValidation)
	}
	if !req.Status.Initial() {
		return fmt.Errorf("%w: cannot create request in status %s", pipeline.ErrInvalidTransition, req.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("request %s: %w", req.ID, pipeline.ErrAlreadyExists)
	}
	s.requests[req.ID] = cloneRequest(req)
	if !req.Status.Terminal() && req.NormalizedURL != "" {
		s.active[req.NormalizedURL] = req.ID
	}
	return nil
}

// Get fetches a request by id.
func (s *RequestStore) Get(_ context.Context, requestID string) (pipeline.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return pipeline.Request{}, fmt.Errorf("request %s: %w", requestID, pipeline.ErrNotFound)
	}
	return cloneRequest(req), nil
}

// Transition applies a legal status change atomically.
func (s *RequestStore) Transition(
	_ context.Context,
	requestID string,
	to pipeline.Status,
	update pipeline.RequestUpdate,
) (pipeline.Request, error) {
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return pipeline.Request{}, fmt.Errorf("request %s: %w", requestID, pipeline.ErrNotFound)
	}
	next, err := req.Apply(to, update)
	if err != nil {
		return cloneRequest(req), fmt.Errorf("request %s: %w", requestID, err)
	}
	s.requests[requestID] = next
	if next.Status.Terminal() && s.active[next.NormalizedURL] == requestID {
		delete(s.active, next.NormalizedURL)
	}
	return cloneRequest(next), nil
}

// FindActive returns the in-flight request for normalizedURL, if any.
func (s *RequestStore) FindActive(_ context.Context, normalizedURL string) (pipeline.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[normalizedURL]
	if !ok {
		return pipeline.Request{}, false, nil
	}
	return cloneRequest(s.requests[id]), true, nil
}

func cloneRequest(req pipeline.Request) pipeline.Request {
	if req.Result != nil {
		res := req.Result.Clone()
		req.Result = &res
	}
	return req
}
