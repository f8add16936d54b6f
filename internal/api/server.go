package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/hub"
	"github.com/JakeFAU/realtime-url-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultHeartbeat      = 15 * time.Second
	defaultContentTimeout = 20 * time.Second
	readinessTimeout      = 2 * time.Second
)

// Submitter accepts URL submissions.
type Submitter interface {
	Submit(ctx context.Context, urls []string) ([]pipeline.Submission, error)
}

// RequestReader loads request records.
type RequestReader interface {
	Get(ctx context.Context, requestID string) (pipeline.Request, error)
}

// StatusSubscriber opens status streams.
type StatusSubscriber interface {
	Subscribe(ctx context.Context, requestID string) (*hub.Subscription, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuthConfig enables API key checks on /v1 routes.
type AuthConfig struct {
	Enabled bool
	APIKey  string
}

// Options wires the server's collaborators. Content, Fetcher, and Extractor
// are optional; without them /v1/content reports 404 for unknown URLs.
type Options struct {
	Submitter Submitter
	Requests  RequestReader
	Hub       StatusSubscriber
	Content   pipeline.ContentStore
	Fetcher   pipeline.Fetcher
	Extractor pipeline.Extractor
	// AllowedDomains limits live content fetches the way the gateway limits
	// submissions. Empty allows every host.
	AllowedDomains []string
	Checks         map[string]Pinger
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Auth           AuthConfig

	RequestTimeout time.Duration
	ContentTimeout time.Duration
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the gateway, request store, and status hub.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ContentTimeout <= 0 {
		opts.ContentTimeout = defaultContentTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	s := &Server{opts: opts, logger: opts.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(opts.Metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler(opts.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/submissions", s.submit)
			r.Get("/requests/{request_id}", s.getRequest)
			r.Get("/content", s.getContent)
		})
		// Streams outlive the request timeout.
		r.Get("/requests/{request_id}/events", s.streamEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.opts.Checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
