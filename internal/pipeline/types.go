package pipeline

import (
	"net/http"
	"time"
)

// Status represents the lifecycle state of an analysis request.
type Status string

// Status values shared by Request records, StatusEvents, and submissions.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusEvaluating Status = "evaluating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCached     Status = "cached"
	StatusRejected   Status = "rejected"
)

// Default queue names used by the broker integrations.
const (
	DefaultProcessingQueue = "url_tasks"
	DefaultEvaluationQueue = "evaluation_tasks"
	DefaultStatusQueue     = "status_updates"
)

// AnalysisResult is the structured output of the analyze/score pair.
type AnalysisResult struct {
	Summary      string   `json:"summary"`
	Keywords     []string `json:"keywords"`
	Sentiment    string   `json:"sentiment"`
	OverallScore float64  `json:"overall_score"`
}

// Clone returns a deep copy so callers can hand results across goroutines.
func (r AnalysisResult) Clone() AnalysisResult {
	out := r
	if r.Keywords != nil {
		out.Keywords = append([]string(nil), r.Keywords...)
	}
	return out
}

// Request is the authoritative record of one submitted URL.
type Request struct {
	ID                 string          `json:"request_id"`
	URL                string          `json:"url"`
	NormalizedURL      string          `json:"normalized_url"`
	Status             Status          `json:"status"`
	Detail             string          `json:"detail,omitempty"`
	Result             *AnalysisResult `json:"result,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ProcessingAttempts int             `json:"processing_attempts"`
	EvaluationAttempts int             `json:"evaluation_attempts"`
}

// RequestUpdate describes the fields written alongside a status transition.
// Zero attempt values leave the stored counters untouched.
type RequestUpdate struct {
	Detail            string
	Result            *AnalysisResult
	ProcessingAttempt int
	EvaluationAttempt int
	At                time.Time
}

// ProcessingTask is the envelope published to the processing queue.
type ProcessingTask struct {
	RequestID     string    `json:"request_id"`
	URL           string    `json:"url"`
	NormalizedURL string    `json:"normalized_url"`
	Attempt       int       `json:"attempt"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// EvaluationTask is the envelope published to the evaluation queue.
type EvaluationTask struct {
	RequestID     string         `json:"request_id"`
	URL           string         `json:"url"`
	NormalizedURL string         `json:"normalized_url"`
	Analysis      AnalysisResult `json:"analysis"`
	Attempt       int            `json:"attempt"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

// CacheEntry is a final result stored under its normalized URL.
type CacheEntry struct {
	NormalizedURL string         `json:"normalized_url"`
	Result        AnalysisResult `json:"result"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// StatusEvent reports a single status transition for a request.
type StatusEvent struct {
	RequestID string          `json:"request_id"`
	URL       string          `json:"url"`
	Status    Status          `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Submission is the per-URL outcome returned by the gateway.
type Submission struct {
	RequestID string          `json:"request_id,omitempty"`
	URL       string          `json:"url"`
	Status    Status          `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
}

// Content is the extracted text of a fetched page.
type Content struct {
	URL           string    `json:"url"`
	NormalizedURL string    `json:"normalized_url"`
	Title         string    `json:"title,omitempty"`
	Text          string    `json:"text"`
	BlobURI       string    `json:"blob_uri,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RequestID   string
	URL         string
	Attempt     int
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
