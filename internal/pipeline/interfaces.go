package pipeline

import (
	"context"
	"time"
)

// Message is a single broker delivery.
type Message struct {
	ID         string
	Queue      string
	Body       []byte
	Attributes map[string]string
	// Deliveries counts how many times the broker has handed this message out.
	Deliveries int
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error leaves it unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, msg Message) error

// PublishOptions carries optional publish parameters.
type PublishOptions struct {
	Delay      time.Duration
	Attributes map[string]string
	// OrderingKey groups messages that must be delivered in publish order.
	// Brokers whose queues are already ordered ignore it.
	OrderingKey string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithDelay defers delivery of the message by d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) {
		if d > 0 {
			o.Delay = d
		}
	}
}

// WithAttribute attaches a string attribute to the message.
func WithAttribute(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if o.Attributes == nil {
			o.Attributes = make(map[string]string)
		}
		o.Attributes[key] = value
	}
}

// WithOrderingKey delivers messages sharing key in the order they were
// published.
func WithOrderingKey(key string) PublishOption {
	return func(o *PublishOptions) {
		o.OrderingKey = key
	}
}

// ApplyPublishOptions folds opts into a PublishOptions value.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Broker provides at-least-once queues with dead-letter destinations.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte, opts ...PublishOption) error
	// Consume delivers messages to handler with at most prefetch unacknowledged
	// deliveries in flight. It blocks until ctx ends.
	Consume(ctx context.Context, queue string, prefetch int, handler Handler) error
	DeadLetter(ctx context.Context, queue string, body []byte, reason string) error
	Ping(ctx context.Context) error
	Close() error
}

// ResultCache maps normalized URLs to final results.
type ResultCache interface {
	Get(ctx context.Context, normalizedURL string) (CacheEntry, bool, error)
	Put(ctx context.Context, normalizedURL string, result AnalysisResult) error
	Ping(ctx context.Context) error
}

// RequestStore persists Request records keyed by request id.
type RequestStore interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, requestID string) (Request, error)
	// Transition moves a request to status to when the move is legal and
	// returns the updated record.
	Transition(ctx context.Context, requestID string, to Status, update RequestUpdate) (Request, error)
	// FindActive returns a non-terminal request for normalizedURL, if any.
	FindActive(ctx context.Context, normalizedURL string) (Request, bool, error)
}

// ContentStore keeps extracted page text for the content side channel.
type ContentStore interface {
	PutContent(ctx context.Context, content Content) error
	GetContent(ctx context.Context, normalizedURL string) (Content, bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(static FetchResponse) bool
}

// Extractor turns a fetched document into readable text.
type Extractor interface {
	Extract(resp FetchResponse) (Content, error)
}

// Analyzer produces summary, keywords, and sentiment for page text.
type Analyzer interface {
	Analyze(ctx context.Context, content string) (AnalysisResult, error)
}

// Scorer rates an analysis on a 0-10 scale.
type Scorer interface {
	Score(ctx context.Context, analysis AnalysisResult) (float64, error)
}

// StatusPublisher receives status events from the gateway and workers.
type StatusPublisher interface {
	Publish(ctx context.Context, event StatusEvent) error
}

// FetchLimiter blocks until a fetch of url may proceed.
type FetchLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for content keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request ids.
type IDGenerator interface {
	NewID() (string, error)
}
