// Package collyfetcher implements pipeline.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 5 << 20
	acceptHeader        = "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.1"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher performs static HTTP GETs. Each fetch clones one template
// collector so connections are pooled across requests.
type Fetcher struct {
	cfg      Config
	template *colly.Collector
}

// New builds a Fetcher. observer is notified when a robots.txt request gives
// up and falls back to allow-all; it may be nil.
func New(cfg Config, observer RobotsObserver) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(&robotsFallback{next: pooledTransport(), observer: observer})
	return &Fetcher{cfg: cfg, template: c}
}

// visit collects what the callbacks of one Visit observed.
type visit struct {
	resp pipeline.FetchResponse
	err  error
}

// Fetch executes a single GET. Transport failures, non-2xx responses and
// non-text bodies are returned as *pipeline.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	v := &visit{}
	c := f.collectorFor(request, v)

	done := make(chan error, 1)
	go func() { done <- c.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		// The visit keeps running until the collector timeout; its result is dropped.
		return pipeline.FetchResponse{}, pipeline.NewFetchError(request.URL, 0, ctx.Err())
	case err := <-done:
		if v.err != nil {
			err = v.err
		}
		if err != nil {
			return pipeline.FetchResponse{}, pipeline.NewFetchError(request.URL, v.resp.StatusCode, err)
		}
	}
	if !readable(v.resp.Headers.Get("Content-Type")) {
		return pipeline.FetchResponse{}, pipeline.NewFetchError(request.URL, v.resp.StatusCode,
			fmt.Errorf("unsupported content type %q", v.resp.Headers.Get("Content-Type")))
	}
	return v.resp, nil
}

func (f *Fetcher) collectorFor(request pipeline.FetchRequest, v *visit) *colly.Collector {
	c := f.template.Clone()
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.MaxBodySize = f.cfg.MaxBodyBytes
	c.SetRequestTimeout(f.cfg.Timeout)

	start := time.Now()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
		for key, values := range request.Headers {
			r.Headers.Del(key)
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		v.resp = pipeline.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			v.resp.StatusCode = r.StatusCode
		}
		v.err = err
	})
	return c
}

// readable reports whether a response can be turned into text. A missing
// Content-Type is treated as HTML.
func readable(contentType string) bool {
	if contentType == "" {
		return true
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(media, "text/") || media == "application/xhtml+xml" || media == "application/xml"
}

func pooledTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
}
