package llm

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const (
	localSummarySentences = 3
	localKeywords         = 8
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all am an and any are as at be because been
before being below between both but by can could did do does doing down during each few for from further had
has have having he her here hers herself him himself his how i if in into is it its itself just me more most
my myself no nor not now of off on once only or other our ours ourselves out over own same she should so some
such than that the their theirs them themselves then there these they this those through to too under until up
very was we were what when where which while who whom why will with would you your yours yourself yourselves
also one two new may like get got said says use used using via per`) {
		stopwords[w] = struct{}{}
	}
}

var (
	positiveWords = wordSet("good great excellent success successful improve improved improvement gain gains growth " +
		"positive benefit benefits win wins best better strong strength progress innovative happy love record boost")
	negativeWords = wordSet("bad poor fail failed failure loss losses decline declined negative risk risks crisis " +
		"worse worst weak problem problems concern concerns threat attack death war crash lawsuit drop")
)

func wordSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}

// LocalAnalyzer implements pipeline.Analyzer without a model: the summary is
// the leading sentences, keywords are the most frequent content words, and
// sentiment comes from a small lexicon.
type LocalAnalyzer struct{}

// Analyze derives an AnalysisResult from the text alone.
func (LocalAnalyzer) Analyze(ctx context.Context, content string) (pipeline.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.AnalysisResult{}, pipeline.NewAnalysisError(err)
	}
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return pipeline.AnalysisResult{}, pipeline.NewAnalysisError(errors.New("no content to analyze"))
	}
	n := min(localSummarySentences, len(sentences))
	words := tokenize(content)
	return pipeline.AnalysisResult{
		Summary:   strings.Join(sentences[:n], " "),
		Keywords:  topKeywords(words, localKeywords),
		Sentiment: lexiconSentiment(words),
	}, nil
}

// LocalScorer implements pipeline.Scorer with the same three grades as the
// chat scorer, computed from the analysis itself.
type LocalScorer struct{}

// Score grades summary length, keyword coverage of the summary, and whether
// the sentiment agrees with the summary lexicon.
func (LocalScorer) Score(ctx context.Context, analysis pipeline.AnalysisResult) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, pipeline.NewScoreError(err)
	}
	if strings.TrimSpace(analysis.Summary) == "" {
		return 0, pipeline.NewScoreError(errors.New("analysis has no summary"))
	}
	words := tokenize(analysis.Summary)
	return OverallScore(
		summaryGrade(len(words)),
		keywordGrade(words, analysis.Keywords),
		sentimentGrade(words, analysis.Sentiment),
	), nil
}

func summaryGrade(words int) int {
	switch {
	case words >= 20 && words <= 150:
		return 9
	case words >= 10 && words <= 250:
		return 7
	case words >= 5:
		return 5
	default:
		return 2
	}
}

func keywordGrade(summaryWords []string, keywords []string) int {
	if len(keywords) == 0 {
		return 1
	}
	present := make(map[string]struct{}, len(summaryWords))
	for _, w := range summaryWords {
		present[w] = struct{}{}
	}
	hits := 0
	for _, kw := range keywords {
		for _, part := range tokenize(kw) {
			if _, ok := present[part]; ok {
				hits++
				break
			}
		}
	}
	return max(1, int(math.Round(10*float64(hits)/float64(len(keywords)))))
}

func sentimentGrade(summaryWords []string, sentiment string) int {
	if NormalizeSentiment(sentiment) == lexiconSentiment(summaryWords) {
		return 9
	}
	if NormalizeSentiment(sentiment) == SentimentNeutral {
		return 6
	}
	return 2
}

func lexiconSentiment(words []string) string {
	score := 0
	for _, w := range words {
		if _, ok := positiveWords[w]; ok {
			score++
		}
		if _, ok := negativeWords[w]; ok {
			score--
		}
	}
	switch {
	case score > 1:
		return SentimentPositive
	case score < -1:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func topKeywords(words []string, limit int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, seen := first[w]; !seen {
			first[w] = i
		}
		counts[w]++
	}
	keys := make([]string, 0, len(counts))
	for w := range counts {
		keys = append(keys, w)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return first[keys[i]] < first[keys[j]]
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if s := strings.Join(strings.Fields(b.String()), " "); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			flush()
		}
	}
	flush()
	return out
}
