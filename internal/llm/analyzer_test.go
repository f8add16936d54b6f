package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// scriptedCompleter answers prompts by matching a substring of the prompt.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies map[string]string
	fail    string
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, _ string, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, user)
	if s.fail != "" && strings.Contains(user, s.fail) {
		return "", errors.New("model unavailable")
	}
	for key, reply := range s.replies {
		if strings.Contains(user, key) {
			return reply, nil
		}
	}
	return "", nil
}

func TestChatAnalyzerSingleChunk(t *testing.T) {
	t.Parallel()

	chat := &scriptedCompleter{replies: map[string]string{
		"concise summary": "Gophers are thriving.",
		"keywords":        "1. Gophers\n2. Habitat",
		"overall tone":    "Positive",
	}}
	result, err := NewChatAnalyzer(chat, AnalyzerConfig{}).Analyze(context.Background(), "A long article about gophers.")
	require.NoError(t, err)
	require.Equal(t, "Gophers are thriving.", result.Summary)
	require.Equal(t, []string{"Gophers", "Habitat"}, result.Keywords)
	require.Equal(t, SentimentPositive, result.Sentiment)
	require.Len(t, chat.prompts, 3)
}

func TestChatAnalyzerMapReduce(t *testing.T) {
	t.Parallel()

	chat := &scriptedCompleter{replies: map[string]string{
		"Merge these":     "Combined summary.",
		"concise summary": "partial",
		"keywords":        "a, b",
		"overall tone":    "neutral",
	}}
	text := strings.Repeat("word ", 100)
	result, err := NewChatAnalyzer(chat, AnalyzerConfig{ChunkSize: 120, ChunkOverlap: 10, MaxChunks: 2}).
		Analyze(context.Background(), text)
	require.NoError(t, err)
	require.Equal(t, "Combined summary.", result.Summary)
	// two chunk summaries, one combine, keywords, sentiment
	require.Len(t, chat.prompts, 5)
}

func TestChatAnalyzerFailuresAreAnalysisErrors(t *testing.T) {
	t.Parallel()

	chat := &scriptedCompleter{fail: "keywords", replies: map[string]string{"concise summary": "s"}}
	_, err := NewChatAnalyzer(chat, AnalyzerConfig{}).Analyze(context.Background(), "text")
	require.ErrorIs(t, err, pipeline.ErrAnalysis)

	_, err = NewChatAnalyzer(&scriptedCompleter{}, AnalyzerConfig{}).Analyze(context.Background(), "text")
	require.ErrorIs(t, err, pipeline.ErrAnalysis)

	_, err = NewChatAnalyzer(chat, AnalyzerConfig{}).Analyze(context.Background(), "   ")
	require.ErrorIs(t, err, pipeline.ErrAnalysis)
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"short"}, SplitText("short", 10, 2))

	chunks := SplitText("aaaa bbbb cccc dddd eeee", 10, 3)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c)), 10)
	}
	require.Contains(t, chunks[len(chunks)-1], "eeee")

	// oversized overlap must still terminate
	require.NotEmpty(t, SplitText(strings.Repeat("x", 100), 10, 9))
}

func TestChatScorer(t *testing.T) {
	t.Parallel()

	chat := &scriptedCompleter{replies: map[string]string{
		"summary's quality":   `{"score": 8, "explanation": "good"}`,
		"keywords represent":  `{"score": 7}`,
		"Predicted sentiment": "score: 8",
	}}
	score, err := NewChatScorer(chat).Score(context.Background(), pipeline.AnalysisResult{
		Summary: "s", Keywords: []string{"k"}, Sentiment: SentimentNeutral,
	})
	require.NoError(t, err)
	require.InDelta(t, 7.7, score, 1e-9)

	chat.fail = "Predicted sentiment"
	_, err = NewChatScorer(chat).Score(context.Background(), pipeline.AnalysisResult{Summary: "s"})
	require.ErrorIs(t, err, pipeline.ErrEvaluation)

	_, err = NewChatScorer(chat).Score(context.Background(), pipeline.AnalysisResult{})
	require.ErrorIs(t, err, pipeline.ErrEvaluation)
}
