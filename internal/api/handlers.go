package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	iduuid "github.com/JakeFAU/realtime-url-analyzer/internal/id/uuid"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const maxSubmissionBytes = 1 << 20

type submissionRequest struct {
	URLs []string `json:"urls"`
}

type submissionResponse struct {
	SubmissionID string                `json:"submission_id"`
	Statuses     []pipeline.Submission `json:"statuses"`
}

type contentResponse struct {
	URL           string    `json:"url"`
	NormalizedURL string    `json:"normalized_url"`
	Title         string    `json:"title,omitempty"`
	Text          string    `json:"text"`
	FetchedAt     time.Time `json:"fetched_at"`
	Source        string    `json:"source"`
}

// submit handles POST /v1/submissions. It answers 202 with one status per
// submitted URL, 400 for a malformed or empty body, or 500 on failure.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "submissions unavailable")
		return
	}
	var req submissionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	statuses, err := s.opts.Submitter.Submit(r.Context(), req.URLs)
	if err != nil {
		if errors.Is(err, pipeline.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, submissionResponse{
		SubmissionID: uuid.NewString(),
		Statuses:     statuses,
	})
}

// getRequest handles GET /v1/requests/{request_id}.
func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Requests == nil {
		writeError(w, http.StatusServiceUnavailable, "request store unavailable")
		return
	}
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	req, err := s.opts.Requests.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("get request failed", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// getContent handles GET /v1/content?url=. Stored text is preferred; a live
// fetch fills in when nothing was stored for the URL.
func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	normalized, err := pipeline.NormalizeURL(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.opts.Content != nil {
		content, ok, err := s.opts.Content.GetContent(r.Context(), normalized)
		if err != nil {
			s.logger.Error("content lookup failed", zap.String("url", normalized), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load content")
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, toContentResponse(content, "stored"))
			return
		}
	}
	if s.opts.Fetcher == nil || s.opts.Extractor == nil {
		writeError(w, http.StatusNotFound, "content not found")
		return
	}
	if u, err := pipeline.ParseSubmittedURL(raw); err != nil || !pipeline.HostAllowed(u.Hostname(), s.opts.AllowedDomains) {
		writeError(w, http.StatusForbidden, "domain is not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ContentTimeout)
	defer cancel()
	resp, err := s.opts.Fetcher.Fetch(ctx, pipeline.FetchRequest{URL: raw, Attempt: 1})
	if err != nil {
		s.logger.Warn("live content fetch failed", zap.String("url", normalized), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch content")
		return
	}
	content, err := s.opts.Extractor.Extract(resp)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	content.URL = raw
	content.NormalizedURL = normalized
	content.FetchedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, toContentResponse(content, "live"))
}

func toContentResponse(c pipeline.Content, source string) contentResponse {
	return contentResponse{
		URL:           c.URL,
		NormalizedURL: c.NormalizedURL,
		Title:         c.Title,
		Text:          c.Text,
		FetchedAt:     c.FetchedAt,
		Source:        source,
	}
}

func requestIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "request_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return "", false
	}
	if !iduuid.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return "", false
	}
	return id, true
}
