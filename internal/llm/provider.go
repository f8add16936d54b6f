package llm

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

// Config selects and configures the analyze/score provider.
type Config struct {
	Provider string
	Client   ClientConfig
	Analyzer AnalyzerConfig
}

// New returns the analyzer and scorer for cfg.Provider.
func New(cfg Config) (pipeline.Analyzer, pipeline.Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI:
		chat := NewChatClient(cfg.Client)
		return NewChatAnalyzer(chat, cfg.Analyzer), NewChatScorer(chat), nil
	case ProviderLocal, "":
		return LocalAnalyzer{}, LocalScorer{}, nil
	default:
		return nil, nil, fmt.Errorf("%w: llm provider %q", pipeline.ErrUnsupportedProvider, cfg.Provider)
	}
}
