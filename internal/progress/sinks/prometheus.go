package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// PrometheusSink exports request lifecycle metrics derived from status events.
type PrometheusSink struct {
	transitions     *prometheus.CounterVec
	terminal        *prometheus.CounterVec
	inFlight        prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	scores          prometheus.Histogram

	tracker *requestTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_status_events_total",
			Help: "Status events observed partitioned by status.",
		}, []string{"status"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_requests_finished_total",
			Help: "Requests that reached a terminal status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_requests_in_flight",
			Help: "Requests queued or being worked on.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analyzer_request_duration_seconds",
			Help:    "Time from queued to a terminal status.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "analyzer_result_score",
			Help:    "Overall score of completed analyses.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		tracker: newRequestTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.terminal,
		s.inFlight,
		s.requestDuration,
		s.scores,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []pipeline.StatusEvent) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt pipeline.StatusEvent) {
	s.transitions.WithLabelValues(string(evt.Status)).Inc()
	if evt.Status == pipeline.StatusQueued {
		if s.tracker.start(evt.RequestID, evt.Timestamp) {
			s.inFlight.Inc()
		}
		return
	}
	if !evt.Status.Terminal() {
		return
	}
	s.terminal.WithLabelValues(string(evt.Status)).Inc()
	if evt.Result != nil {
		s.scores.Observe(evt.Result.OverallScore)
	}
	if started, ok := s.tracker.complete(evt.RequestID); ok {
		s.inFlight.Dec()
		if d := evt.Timestamp.Sub(started); d > 0 {
			s.requestDuration.WithLabelValues(string(evt.Status)).Observe(d.Seconds())
		}
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type requestTracker struct {
	mu      sync.Mutex
	started map[string]time.Time
}

func newRequestTracker() *requestTracker {
	return &requestTracker{started: make(map[string]time.Time)}
}

func (t *requestTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[id]; ok {
		return false
	}
	t.started[id] = at
	return true
}

func (t *requestTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.started[id]
	if ok {
		delete(t.started, id)
	}
	return at, ok
}
