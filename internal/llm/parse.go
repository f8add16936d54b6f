package llm

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Sentiment labels produced by the analyzers.
const (
	SentimentPositive = "Positive"
	SentimentNeutral  = "Neutral"
	SentimentNegative = "Negative"
)

const (
	fallbackScore  = 5
	maxKeywordsOut = 10
)

var (
	listMarker  = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)
	jsonObject  = regexp.MustCompile(`(?s)\{[^{}]*"score"[^{}]*\}`)
	scorePhrase = regexp.MustCompile(`(?i)(?:score|rate|rating)\D{0,20}?(\d{1,2})`)
	outOfTen    = regexp.MustCompile(`(\d{1,2})\s*/\s*10`)
)

// ParseKeywords reads a numbered or bulleted list, or a comma separated line,
// into distinct keywords.
func ParseKeywords(raw string) []string {
	var candidates []string
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) == 1 && strings.Contains(lines[0], ",") {
		candidates = strings.Split(lines[0], ",")
	} else {
		candidates = lines
	}
	seen := make(map[string]struct{}, len(candidates))
	keywords := make([]string, 0, len(candidates))
	for _, c := range candidates {
		kw := strings.TrimSpace(listMarker.ReplaceAllString(c, ""))
		kw = strings.Trim(kw, `"'.`)
		if kw == "" || strings.HasSuffix(kw, ":") {
			continue
		}
		key := strings.ToLower(kw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keywords = append(keywords, kw)
		if len(keywords) == maxKeywordsOut {
			break
		}
	}
	return keywords
}

// NormalizeSentiment maps free text onto Positive, Neutral, or Negative.
func NormalizeSentiment(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "negative"):
		return SentimentNegative
	case strings.Contains(lower, "positive"):
		return SentimentPositive
	default:
		return SentimentNeutral
	}
}

// ParseScore extracts a 1-10 score from a model reply. It accepts a JSON
// object with a "score" field, a bare integer, "N/10", or a phrase such as
// "score: N", and falls back to 5 when nothing usable is present.
func ParseScore(raw string) int {
	raw = strings.TrimSpace(raw)
	if m := jsonObject.FindString(raw); m != "" {
		var obj struct {
			Score json.Number `json:"score"`
		}
		if err := json.Unmarshal([]byte(m), &obj); err == nil {
			if f, err := obj.Score.Float64(); err == nil && inRange(int(math.Round(f))) {
				return int(math.Round(f))
			}
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && inRange(n) {
		return n
	}
	for _, re := range []*regexp.Regexp{outOfTen, scorePhrase} {
		if m := re.FindStringSubmatch(raw); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && inRange(n) {
				return n
			}
		}
	}
	return fallbackScore
}

// OverallScore is the mean of the sub-scores rounded to one decimal.
func OverallScore(scores ...int) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return math.Round(float64(sum)/float64(len(scores))*10) / 10
}

func inRange(n int) bool {
	return n >= 1 && n <= 10
}
