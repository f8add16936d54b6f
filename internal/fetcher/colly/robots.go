package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// RobotsObserver counts robots.txt requests that fell back to allow-all.
type RobotsObserver interface {
	ObserveRobotsFallback()
}

const (
	robotsRetries     = 3
	robotsBaseBackoff = 250 * time.Millisecond
	allowAll          = "User-agent: *\nAllow: /"
)

// robotsFallback retries robots.txt requests that time out. When every retry
// times out it answers allow-all, so a slow robots endpoint never fails the
// page fetch that triggered it. Other requests pass straight through.
type robotsFallback struct {
	next     http.RoundTripper
	observer RobotsObserver
}

func (t *robotsFallback) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.next.RoundTrip(req)
	}

	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req.Clone(ctx))
		if err == nil || !timedOut(err) {
			return resp, err
		}
		if attempt == robotsRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(robotsBaseBackoff << attempt):
		}
	}

	if t.observer != nil {
		t.observer.ObserveRobotsFallback()
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAll)),
		ContentLength: int64(len(allowAll)),
		Request:       req,
	}, nil
}

func timedOut(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	default:
		return strings.Contains(err.Error(), "handshake timeout")
	}
}
