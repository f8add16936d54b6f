package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across pipeline components.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrBrokerUnavailable   = errors.New("broker unavailable")
	ErrCacheUnavailable    = errors.New("cache unavailable")
	ErrFetch               = errors.New("fetch failed")
	ErrAnalysis            = errors.New("analysis failed")
	ErrEvaluation          = errors.New("evaluation failed")
	ErrPermanentDelivery   = errors.New("undeliverable task")
	ErrSubscriberLimit     = errors.New("subscriber limit reached")
	ErrHubClosed           = errors.New("status hub closed")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// FetchError reports that content for a URL could not be retrieved.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes the cause.
func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }

// AnalysisError reports a failed analyze or score call.
type AnalysisError struct {
	Op  string
	Err error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the cause.
func (e *AnalysisError) Unwrap() []error {
	if e.Op == "score" {
		return []error{ErrEvaluation, e.Err}
	}
	return []error{ErrAnalysis, e.Err}
}

// NewFetchError wraps err as a FetchError for url.
func NewFetchError(url string, statusCode int, err error) error {
	if err == nil {
		err = errors.New("unexpected response")
	}
	return &FetchError{URL: url, StatusCode: statusCode, Err: err}
}

// NewAnalysisError wraps err as an AnalysisError for the analyze call.
func NewAnalysisError(err error) error {
	return &AnalysisError{Op: "analyze", Err: err}
}

// NewScoreError wraps err as an AnalysisError for the score call.
func NewScoreError(err error) error {
	return &AnalysisError{Op: "score", Err: err}
}

// IsInfrastructure reports whether err is a broker or cache fault that must
// not be acknowledged.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable) || errors.Is(err, ErrCacheUnavailable)
}
