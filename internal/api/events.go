package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// streamEvents handles GET /v1/requests/{request_id}/events as a
// Server-Sent Events stream. The first event is the latest known status; the
// stream ends after a terminal status or when the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream unavailable")
		return
	}
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.opts.Hub.Subscribe(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
		return
	case errors.Is(err, pipeline.ErrSubscriberLimit), errors.Is(err, pipeline.ErrHubClosed):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("subscribe failed", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	seq := 0
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			seq++
			if err := writeEvent(w, seq, evt); err != nil {
				s.logger.Debug("status stream write failed", zap.String("request_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, seq int, evt pipeline.StatusEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: status\ndata: %s\n\n", seq, data); err != nil {
		return fmt.Errorf("write status event: %w", err)
	}
	return nil
}
