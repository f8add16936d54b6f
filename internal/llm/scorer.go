package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const judgeSystemPrompt = `You grade the output of a text analysis system. ` +
	`Reply with one JSON object: {"score": <integer 1-10>, "explanation": "<one sentence>"}.`

// ChatScorer implements pipeline.Scorer by grading summary quality, keyword
// relevance, and sentiment alignment separately and averaging the grades.
type ChatScorer struct {
	chat Completer
}

// NewChatScorer returns a scorer using chat for every grade.
func NewChatScorer(chat Completer) *ChatScorer {
	return &ChatScorer{chat: chat}
}

// Score returns the mean of the three grades rounded to one decimal. A
// failed model call is returned as a score error; an unparseable reply
// counts as a middling grade.
func (s *ChatScorer) Score(ctx context.Context, analysis pipeline.AnalysisResult) (float64, error) {
	if strings.TrimSpace(analysis.Summary) == "" {
		return 0, pipeline.NewScoreError(errors.New("analysis has no summary"))
	}
	prompts := []struct {
		name   string
		prompt string
	}{
		{"summary", summaryJudgePrompt(analysis.Summary)},
		{"keywords", keywordsJudgePrompt(analysis.Summary, analysis.Keywords)},
		{"sentiment", sentimentJudgePrompt(analysis.Summary, analysis.Sentiment)},
	}
	scores := make([]int, 0, len(prompts))
	for _, p := range prompts {
		reply, err := s.chat.Complete(ctx, judgeSystemPrompt, p.prompt)
		if err != nil {
			return 0, pipeline.NewScoreError(fmt.Errorf("grade %s: %w", p.name, err))
		}
		scores = append(scores, ParseScore(reply))
	}
	return OverallScore(scores...), nil
}

func summaryJudgePrompt(summary string) string {
	return `Rate this summary's quality from 1 to 10 for clarity, coherence, completeness, and concision.
9-10 excellent, 7-8 good with minor issues, 5-6 fair, 3-4 poor, 1-2 very poor.
Summary: ` + summary
}

func keywordsJudgePrompt(summary string, keywords []string) string {
	return `Rate from 1 to 10 how well these keywords represent the summary: relevance, coverage, and accuracy.
Summary: ` + summary + `
Keywords: ` + strings.Join(keywords, ", ")
}

func sentimentJudgePrompt(summary, sentiment string) string {
	return `Determine the actual tone of the summary (Positive, Neutral, or Negative) and compare it with the predicted sentiment.
Score 9-10 when they match, 1-3 when they clearly differ, and 4-7 only for partial alignment.
Summary: ` + summary + `
Predicted sentiment: ` + sentiment
}
