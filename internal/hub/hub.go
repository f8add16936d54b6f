package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-url-analyzer/internal/progress"
)

const (
	defaultSubscriberBuffer = 16
	defaultMaxSubscribers   = 1024
	defaultRetention        = 5 * time.Minute
	defaultSweepInterval    = time.Minute
)

// Config tunes subscriber buffering and retention.
type Config struct {
	// SubscriberBuffer bounds each subscriber channel. A subscriber whose
	// buffer is full when an event arrives is dropped.
	SubscriberBuffer int
	// MaxSubscribers caps concurrent subscriptions across all requests.
	MaxSubscribers int
	// Retention is how long the latest status of an idle request stays in memory.
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// RequestLookup resolves the latest status of requests the hub has not seen.
type RequestLookup interface {
	Get(ctx context.Context, requestID string) (pipeline.Request, error)
}

type topic struct {
	latest    *pipeline.StatusEvent
	subs      map[*Subscription]struct{}
	updatedAt time.Time
}

// Hub is an in-process publish/subscribe registry keyed by request id.
type Hub struct {
	cfg      Config
	lookup   RequestLookup
	recorder progress.Emitter
	clock    pipeline.Clock
	logger   *zap.Logger

	mu          sync.Mutex
	topics      map[string]*topic
	subscribers int
	closed      bool

	published atomic.Int64
	stale     atomic.Int64
	dropped   atomic.Int64
}

// New constructs a Hub. lookup and recorder are optional.
func New(cfg Config, lookup RequestLookup, recorder progress.Emitter, clock pipeline.Clock) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = defaultMaxSubscribers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Hub{
		cfg:      cfg,
		lookup:   lookup,
		recorder: recorder,
		clock:    clock,
		logger:   logger.Named("hub"),
		topics:   make(map[string]*topic),
	}
}

// Publish records evt as the latest status of its request and delivers it to
// current subscribers. Events that cannot follow the latest known status,
// including anything after a terminal status, are discarded. When the request
// is not held in memory, a non-initial event is checked against the request
// store instead.
func (h *Hub) Publish(ctx context.Context, evt pipeline.StatusEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if !evt.Status.Initial() && !h.holds(evt.RequestID) && h.behindStore(ctx, evt) {
		h.stale.Add(1)
		return nil
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return pipeline.ErrHubClosed
	}
	t := h.topicLocked(evt.RequestID)
	if t.latest != nil && !pipeline.CanTransition(t.latest.Status, evt.Status) {
		prev := t.latest.Status
		h.mu.Unlock()
		h.stale.Add(1)
		h.logger.Debug("discarding out-of-order status event",
			zap.String("request_id", evt.RequestID),
			zap.String("latest", string(prev)),
			zap.String("status", string(evt.Status)),
		)
		return nil
	}
	stored := evt
	t.latest = &stored
	t.updatedAt = h.clock.Now()
	for sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
			h.logger.Warn("dropping slow subscriber", zap.String("request_id", evt.RequestID))
			h.detachLocked(t, sub)
		}
	}
	if evt.Status.Terminal() {
		for sub := range t.subs {
			h.detachLocked(t, sub)
		}
	}
	h.mu.Unlock()

	h.published.Add(1)
	if h.recorder != nil {
		h.recorder.Emit(evt)
	}
	return nil
}

// Subscribe opens a stream of events for requestID. The first event is the
// latest known status, taken from memory or else from the request store. The
// subscription closes itself when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, requestID string) (*Subscription, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", pipeline.ErrValidation)
	}
	if err := h.reserve(); err != nil {
		return nil, err
	}
	sub, err := h.attach(ctx, requestID)
	if err != nil {
		h.release()
		return nil, err
	}
	return sub, nil
}

func (h *Hub) reserve() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return pipeline.ErrHubClosed
	}
	if h.subscribers >= h.cfg.MaxSubscribers {
		return fmt.Errorf("%w: %d active", pipeline.ErrSubscriberLimit, h.subscribers)
	}
	h.subscribers++
	return nil
}

func (h *Hub) release() {
	h.mu.Lock()
	h.subscribers--
	h.mu.Unlock()
}

func (h *Hub) attach(ctx context.Context, requestID string) (*Subscription, error) {
	h.mu.Lock()
	t, known := h.topics[requestID]
	known = known && t.latest != nil
	h.mu.Unlock()

	var seed pipeline.StatusEvent
	if !known {
		if h.lookup == nil {
			return nil, fmt.Errorf("request %s: %w", requestID, pipeline.ErrNotFound)
		}
		req, err := h.lookup.Get(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("lookup request %s: %w", requestID, err)
		}
		seed = req.Event(req.UpdatedAt)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, pipeline.ErrHubClosed
	}
	t = h.topicLocked(requestID)
	if t.latest == nil {
		t.latest = &seed
		t.updatedAt = h.clock.Now()
	}
	sub := &Subscription{
		hub:       h,
		requestID: requestID,
		ch:        make(chan pipeline.StatusEvent, h.cfg.SubscriberBuffer),
	}
	sub.ch <- *t.latest
	if t.latest.Status.Terminal() {
		sub.done = true
		close(sub.ch)
		h.subscribers--
		return sub, nil
	}
	t.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (h *Hub) topicLocked(requestID string) *topic {
	t, ok := h.topics[requestID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[requestID] = t
	}
	return t
}

func (h *Hub) detachLocked(t *topic, sub *Subscription) {
	if sub.done {
		return
	}
	sub.done = true
	delete(t.subs, sub)
	close(sub.ch)
	h.subscribers--
}

func (h *Hub) holds(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[requestID]
	return ok && t.latest != nil
}

// behindStore reports whether the stored status of evt's request has already
// moved past evt. Lookup failures let the event through.
func (h *Hub) behindStore(ctx context.Context, evt pipeline.StatusEvent) bool {
	if h.lookup == nil {
		return false
	}
	req, err := h.lookup.Get(ctx, evt.RequestID)
	if err != nil {
		if !errors.Is(err, pipeline.ErrNotFound) {
			h.logger.Warn("request lookup failed", zap.String("request_id", evt.RequestID), zap.Error(err))
		}
		return false
	}
	if req.Status == evt.Status || pipeline.CanTransition(req.Status, evt.Status) {
		return false
	}
	h.logger.Debug("discarding status event behind the request store",
		zap.String("request_id", evt.RequestID),
		zap.String("stored", string(req.Status)),
		zap.String("status", string(evt.Status)),
	)
	return true
}

// Latest returns the most recent status event held in memory for requestID.
func (h *Hub) Latest(requestID string) (pipeline.StatusEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[requestID]
	if !ok || t.latest == nil {
		return pipeline.StatusEvent{}, false
	}
	return *t.latest, true
}

// Sweep evicts requests without subscribers whose latest status is older
// than the retention window. It returns the number evicted.
func (h *Hub) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for id, t := range h.topics {
		if len(t.subs) > 0 {
			continue
		}
		if now.Sub(t.updatedAt) >= h.cfg.Retention {
			delete(h.topics, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps retained state until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if n := h.Sweep(h.clock.Now()); n > 0 {
				h.logger.Debug("evicted retained status", zap.Int("requests", n))
			}
		}
	}
}

// Close ends every subscription and rejects later calls.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, t := range h.topics {
		for sub := range t.subs {
			h.detachLocked(t, sub)
		}
	}
}

// Stats reports hub counters for metrics export.
type Stats struct {
	Subscribers int
	Requests    int
	Published   int64
	Stale       int64
	Dropped     int64
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Subscribers: h.subscribers,
		Requests:    len(h.topics),
		Published:   h.published.Load(),
		Stale:       h.stale.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Subscription is one observer of a request's status stream.
type Subscription struct {
	hub       *Hub
	requestID string
	ch        chan pipeline.StatusEvent
	// done and stop are guarded by hub.mu.
	done bool
	stop func() bool
}

// Events returns the stream. It is closed after a terminal event, when the
// subscriber falls behind, or after Close.
func (s *Subscription) Events() <-chan pipeline.StatusEvent {
	return s.ch
}

// RequestID returns the subscribed request id.
func (s *Subscription) RequestID() string {
	return s.requestID
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	if t, ok := h.topics[s.requestID]; ok {
		h.detachLocked(t, s)
	}
	stop := s.stop
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
