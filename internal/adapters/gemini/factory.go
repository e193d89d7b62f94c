package gemini

import (
	"context"
	"fmt"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/prompt"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
)

// Factory creates new instances of GeminiClient
type Factory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewFactory creates a new factory for GeminiClient instances
func NewFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *Factory {
	return &Factory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateClient creates a new GeminiClient
func (f *Factory) CreateClient(ctx context.Context) (*GeminiClient, error) {
	geminiCfg := f.cfg.GetGemini()
	if geminiCfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	drafts := f.cfg.GetDrafts()
	return NewGeminiClient(
		ctx,
		geminiCfg.APIKey,
		geminiCfg.ModelName,
		prompt.Sampling{
			MaxTokens:   geminiCfg.MaxTokens,
			Temperature: geminiCfg.Temperature,
			TopP:        geminiCfg.TopP,
		},
		prompt.Sampling{
			MaxTokens:   drafts.MaxTokens,
			Temperature: drafts.Temperature,
			TopP:        geminiCfg.TopP,
		},
		prompt.NewBuilder(f.textProcessor, geminiCfg.MaxBodySize),
		f.logger,
	)
}
