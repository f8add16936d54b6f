package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const (
	defaultChunkSize    = 4000
	defaultChunkOverlap = 200
	defaultMaxChunks    = 6

	analystSystemPrompt = "You are a careful analyst of web articles. Answer exactly in the requested format."
)

// AnalyzerConfig controls how long texts are split before summarizing.
type AnalyzerConfig struct {
	ChunkSize    int
	ChunkOverlap int
	MaxChunks    int
}

// ChatAnalyzer implements pipeline.Analyzer with map-reduce summarization
// followed by keyword and sentiment prompts over the summary.
type ChatAnalyzer struct {
	chat Completer
	cfg  AnalyzerConfig
}

// NewChatAnalyzer returns an analyzer using chat for every prompt.
func NewChatAnalyzer(chat Completer, cfg AnalyzerConfig) *ChatAnalyzer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultMaxChunks
	}
	return &ChatAnalyzer{chat: chat, cfg: cfg}
}

// Analyze summarizes content, then extracts keywords and sentiment from the
// summary. Every failure is returned as a pipeline.AnalysisError.
func (a *ChatAnalyzer) Analyze(ctx context.Context, content string) (pipeline.AnalysisResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return pipeline.AnalysisResult{}, pipeline.NewAnalysisError(errors.New("no content to analyze"))
	}
	summary, err := a.summarize(ctx, content)
	if err != nil {
		return pipeline.AnalysisResult{}, pipeline.NewAnalysisError(err)
	}

	rawKeywords, err := a.chat.Complete(ctx, analystSystemPrompt, keywordsPrompt(summary))
	if err != nil {
		return pipeline.AnalysisResult{}, pipeline.NewAnalysisError(fmt.Errorf("extract keywords: %w", err))
	}
	rawSentiment, err := a.chat.Complete(ctx, analystSystemPrompt, sentimentPrompt(summary))
	if err != nil {
		return pipeline.AnalysisResult{}, pipeline.NewAnalysisError(fmt.Errorf("classify sentiment: %w", err))
	}
	return pipeline.AnalysisResult{
		Summary:   summary,
		Keywords:  ParseKeywords(rawKeywords),
		Sentiment: NormalizeSentiment(rawSentiment),
	}, nil
}

func (a *ChatAnalyzer) summarize(ctx context.Context, content string) (string, error) {
	chunks := SplitText(content, a.cfg.ChunkSize, a.cfg.ChunkOverlap)
	if len(chunks) > a.cfg.MaxChunks {
		chunks = chunks[:a.cfg.MaxChunks]
	}
	if len(chunks) == 1 {
		summary, err := a.chat.Complete(ctx, analystSystemPrompt, summaryPrompt(chunks[0]))
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		return nonEmpty(summary, "summary")
	}

	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		partial, err := a.chat.Complete(ctx, analystSystemPrompt, summaryPrompt(chunk))
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d: %w", i+1, err)
		}
		partials = append(partials, partial)
	}
	combined, err := a.chat.Complete(ctx, analystSystemPrompt, combinePrompt(partials))
	if err != nil {
		return "", fmt.Errorf("combine summaries: %w", err)
	}
	return nonEmpty(combined, "summary")
}

// SplitText breaks text into rune chunks of at most size, each overlapping
// the previous one by overlap runes. Cuts prefer whitespace. Overlaps of
// half the chunk size or more are reduced to a quarter.
func SplitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size/2 {
		overlap = size / 4
	}
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		for cut := end; cut > start+size/2; cut-- {
			if runes[cut] == ' ' || runes[cut] == '\n' {
				end = cut
				break
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))
		start = end - overlap
	}
	return chunks
}

func nonEmpty(s, what string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("model returned an empty %s", what)
	}
	return s, nil
}

func summaryPrompt(text string) string {
	return "Write a concise summary of the following text.\n\n" + text + "\n\nConcise summary:"
}

func combinePrompt(partials []string) string {
	return "Merge these partial summaries of one article into a single short summary.\n\n" +
		strings.Join(partials, "\n\n") + "\n\nSummary:"
}

func keywordsPrompt(summary string) string {
	return `Extract 5-10 important keywords from the following summary.
Summary: ` + summary + `
Format the keywords as a numbered list like this:
1. Keyword One
2. Keyword Two
Keywords:`
}

func sentimentPrompt(summary string) string {
	return `Analyze the overall tone of the following article summary.
Reflect the general sentiment of the summary as a whole, not isolated words or events.
Reply with exactly one word: Positive, Neutral, or Negative.
Summary: ` + summary + `
Sentiment:`
}
