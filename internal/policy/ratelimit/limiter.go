// Package ratelimit paces fetches per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultMaxHosts = 4096
	defaultIdleTTL  = 10 * time.Minute
	unknownHost     = "unknown"
)

// Observer receives the delay introduced for each throttled fetch.
type Observer interface {
	ObserveRateLimitDelay(host string, d time.Duration)
}

// Config holds rate limiter configuration. A non-positive DefaultRPS
// disables throttling for hosts without an override.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides DefaultRPS for specific hosts.
	HostRPS map[string]float64
	// MaxHosts bounds the number of tracked hosts; idle hosts expire after IdleTTL.
	MaxHosts int
	IdleTTL  time.Duration
}

// Limiter implements pipeline.FetchLimiter.
type Limiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	cfg      Config
	observer Observer
}

// New creates a Limiter. observer may be nil.
func New(cfg Config, observer Observer) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = defaultMaxHosts
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	hostRPS := make(map[string]float64, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		hostRPS[strings.ToLower(host)] = rps
	}
	cfg.HostRPS = hostRPS
	return &Limiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxHosts, nil, cfg.IdleTTL),
		cfg:      cfg,
		observer: observer,
	}
}

// Wait blocks until a fetch of rawURL may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if d := time.Since(start); d > time.Millisecond && l.observer != nil {
		l.observer.ObserveRateLimitDelay(host, d)
	}
	return nil
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters.Get(host); ok {
		return limiter
	}
	rps, ok := l.cfg.HostRPS[host]
	if !ok {
		rps = l.cfg.DefaultRPS
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, l.cfg.DefaultBurst)
	l.limiters.Add(host, limiter)
	return limiter
}

// Hosts reports how many hosts currently hold a bucket.
func (l *Limiter) Hosts() int {
	return l.limiters.Len()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return unknownHost
	}
	return strings.ToLower(u.Hostname())
}
