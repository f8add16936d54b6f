// Package extract turns fetched HTML into the readable text handed to the
// analyzer.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const (
	defaultMaxChars      = 20000
	minReadabilityLength = 200
)

var errEmptyDocument = errors.New("document has no readable text")

// Extractor implements pipeline.Extractor for HTML and plain-text bodies.
type Extractor struct {
	maxChars int
	strict   *bluemonday.Policy
	now      func() time.Time
}

// New returns an Extractor that truncates text to maxChars runes.
func New(maxChars int) *Extractor {
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Extractor{
		maxChars: maxChars,
		strict:   bluemonday.StrictPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Extract returns the page title and main text of resp. Empty documents are
// reported as analysis failures so the task retries like any other attempt.
func (e *Extractor) Extract(resp pipeline.FetchResponse) (pipeline.Content, error) {
	raw := strings.TrimSpace(string(resp.Body))
	content := pipeline.Content{URL: resp.URL, FetchedAt: e.now()}
	if raw == "" {
		return content, pipeline.NewAnalysisError(errEmptyDocument)
	}
	if !looksLikeHTML(resp, raw) {
		content.Text = e.truncate(normalizeWhitespace(raw))
		return content, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return content, pipeline.NewAnalysisError(fmt.Errorf("parse html: %w", err))
	}
	content.Title = Title(doc)
	doc.Find("script, style, noscript, iframe, embed, object, svg, nav, header, footer, aside").Remove()
	cleaned, err := doc.Html()
	if err != nil {
		cleaned = raw
	}

	text := e.readable(cleaned, resp.URL)
	if utf8.RuneCountInString(text) < minReadabilityLength {
		if fallback := paragraphs(doc); utf8.RuneCountInString(fallback) > utf8.RuneCountInString(text) {
			text = fallback
		}
	}
	if text == "" {
		text = normalizeWhitespace(e.strict.Sanitize(cleaned))
	}
	if text == "" {
		return content, pipeline.NewAnalysisError(errEmptyDocument)
	}
	content.Text = e.truncate(text)
	return content, nil
}

func (e *Extractor) readable(html, pageURL string) string {
	var base *url.URL
	if parsed, err := url.Parse(pageURL); err == nil {
		base = parsed
	}
	article, err := readability.FromReader(strings.NewReader(html), base)
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return ""
	}
	return normalizeWhitespace(buf.String())
}

func (e *Extractor) truncate(text string) string {
	if utf8.RuneCountInString(text) <= e.maxChars {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:e.maxChars]))
}

// Title picks <title>, then og:title, then the first <h1>.
func Title(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return normalizeWhitespace(title)
	}
	if og, ok := doc.Find("meta[property='og:title']").First().Attr("content"); ok && strings.TrimSpace(og) != "" {
		return normalizeWhitespace(og)
	}
	return normalizeWhitespace(doc.Find("h1").First().Text())
}

func paragraphs(doc *goquery.Document) string {
	var parts []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		if text := normalizeWhitespace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}

func looksLikeHTML(resp pipeline.FetchResponse, raw string) bool {
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
	}
	return strings.Contains(raw, "<")
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
