// Package detector decides when a static fetch should be retried in a
// headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const defaultBodyLengthThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var defaultKeywords = []string{
	"enable javascript",
	"requires javascript",
	"you need to enable javascript",
}

// Heuristic implements pipeline.HeadlessDetector with rule-based signals.
type Heuristic struct {
	BodyLengthThreshold int
	// Selectors lists CSS selectors whose absence suggests client rendering.
	Selectors []string
	keywords  [][]byte
}

// NewHeuristic creates a detector. Empty keywords fall back to a built-in
// list of "enable JavaScript" notices.
func NewHeuristic(threshold int, selectors, keywords []string) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	lower := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			lower = append(lower, bytes.ToLower([]byte(kw)))
		}
	}
	return &Heuristic{BodyLengthThreshold: threshold, Selectors: selectors, keywords: lower}
}

// ShouldPromote reports whether a successful static response looks like it
// needs JavaScript to render its content.
func (h *Heuristic) ShouldPromote(resp pipeline.FetchResponse) bool {
	if h == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return h.containsKeywords(body) || h.missingSelectors(body)
}

func (h *Heuristic) containsKeywords(body []byte) bool {
	if len(h.keywords) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, kw := range h.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (h *Heuristic) missingSelectors(body []byte) bool {
	if len(h.Selectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range h.Selectors {
		if sel != "" && doc.Find(sel).Length() > 0 {
			return false
		}
	}
	return true
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := bytes.ToLower(body)
	total := len(lower)
	openTag := []byte("<script")
	closeTag := []byte("</script>")
	covered := 0
	pos := 0
	for pos < total {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if relEnd := bytes.Index(lower[start:], closeTag); relEnd != -1 {
			end = start + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered > 0 && covered*100/total >= 25
}
