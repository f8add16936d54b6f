// Package metrics owns the Prometheus collectors exported by the analyzer
// processes. A Metrics value is injected into the components that report to
// it; a nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/realtime-url-analyzer/internal/hub"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const namespace = "analyzer"

// Task stages used as label values.
const (
	StageProcessing = "processing"
	StageEvaluation = "evaluation"
)

// Task outcomes used as label values.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeNacked       = "nacked"
)

// Metrics groups the collectors registered against one registry.
type Metrics struct {
	reg prometheus.Registerer

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	submissions        *prometheus.CounterVec
	tasks              *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	activeWorkers      *prometheus.GaugeVec
	fetchBytes         *prometheus.CounterVec
	rateLimitDelays    *prometheus.HistogramVec
	robotsFallbacks    prometheus.Counter
	headlessPromotions prometheus.Counter
}

// New registers the analyzer collectors with reg. Like promauto, it panics on
// duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, labeled by method, route, and code.",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies, labeled by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submitted_urls_total",
			Help:      "Submitted URLs, labeled by the status reported to the client.",
		}, []string{"status"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task deliveries handled, labeled by stage and outcome.",
		}, []string{"stage", "outcome"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time spent handling one task delivery, labeled by stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		activeWorkers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Task deliveries currently being handled, labeled by stage.",
		}, []string{"stage"}),
		fetchBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes fetched, labeled by site.",
		}, []string{"site"}),
		rateLimitDelays: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_delay_seconds",
			Help:      "Time spent waiting on per-host rate limits.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		robotsFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "robots_fallback_total",
			Help:      "robots.txt requests that failed and fell back to allow-all.",
		}),
		headlessPromotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "headless_promotions_total",
			Help:      "Fetches promoted from the static fetcher to the headless browser.",
		}),
	}
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission counts a gateway result.
func (m *Metrics) ObserveSubmission(status pipeline.Status) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(status)).Inc()
}

// ObserveTask records how one task delivery ended.
func (m *Metrics) ObserveTask(stage, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(stage, outcome).Inc()
	m.taskDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// TrackWorker marks a delivery as in progress; call the returned func when done.
func (m *Metrics) TrackWorker(stage string) func() {
	if m == nil {
		return func() {}
	}
	g := m.activeWorkers.WithLabelValues(stage)
	g.Inc()
	return g.Dec
}

// ObserveFetch counts bytes fetched from rawURL.
func (m *Metrics) ObserveFetch(rawURL string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.fetchBytes.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytes))
}

// ObserveRateLimitDelay records a rate limit wait for host.
func (m *Metrics) ObserveRateLimitDelay(host string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitDelays.WithLabelValues(SanitizeSite(host)).Observe(d.Seconds())
}

// ObserveRobotsFallback counts a robots.txt request that fell back to allow-all.
func (m *Metrics) ObserveRobotsFallback() {
	if m == nil {
		return
	}
	m.robotsFallbacks.Inc()
}

// ObserveHeadlessPromotion counts a static fetch promoted to headless.
func (m *Metrics) ObserveHeadlessPromotion() {
	if m == nil {
		return
	}
	m.headlessPromotions.Inc()
}

// WatchHub exports hub counters read from stats at scrape time.
func (m *Metrics) WatchHub(stats func() hub.Stats) error {
	if m == nil || stats == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "Open status subscriptions.",
		}, func() float64 { return float64(stats().Subscribers) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_tracked_requests",
			Help:      "Requests whose latest status is held in memory.",
		}, func() float64 { return float64(stats().Requests) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_published_total",
			Help:      "Status events accepted by the hub.",
		}, func() float64 { return float64(stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_stale_total",
			Help:      "Status events discarded because they cannot follow the latest status.",
		}, func() float64 { return float64(stats().Stale) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_subscribers_dropped_total",
			Help:      "Subscribers closed because they fell behind.",
		}, func() float64 { return float64(stats().Dropped) }),
	}
	for _, c := range collectors {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler exposes g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SanitizeSite reduces a URL or host to its lower-cased hostname so label
// cardinality stays bounded.
func SanitizeSite(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
