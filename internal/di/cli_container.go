package di

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/adapters/source"
	"github.com/mikey/mail-triage/internal/adapters/store"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/mikey/mail-triage/internal/logging"
	"github.com/mikey/mail-triage/internal/triage"
	"github.com/mikey/mail-triage/internal/utils"
)

// CLIFlags contains all command line flags for the CLI application
type CLIFlags struct {
	// LLM provider flags
	Provider    string
	MaxTokens   int
	Temperature float64
	TopP        float64
	MaxBodySize int

	// Bedrock flags
	BedrockRegion  string
	BedrockModelID string

	// Gemini flags
	GeminiAPIKey    string
	GeminiModelName string

	// OpenAI flags
	OpenAIAPIKey    string
	OpenAIModelName string

	// Preference flags
	ImportantSenders  []string
	ImportantKeywords []string
	Threshold         float64

	// Input flags
	Files      []string
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// Register adds the flags to cmd
func (flags *CLIFlags) Register(cmd *cobra.Command) {
	f := cmd.Flags()

	// LLM provider flags
	f.StringVar(&flags.Provider, "provider", "none", "LLM provider (none, bedrock, gemini, openai)")
	f.IntVar(&flags.MaxTokens, "max-tokens", 500, "Maximum tokens for LLM response")
	f.Float64Var(&flags.Temperature, "temperature", 0.1, "Temperature for LLM generation")
	f.Float64Var(&flags.TopP, "top-p", 0.9, "Top-p for LLM generation")
	f.IntVar(&flags.MaxBodySize, "max-body-size", 1500, "Maximum email body size to send to LLM")

	// Bedrock flags
	f.StringVar(&flags.BedrockRegion, "bedrock-region", "us-east-1", "AWS region for Bedrock")
	f.StringVar(&flags.BedrockModelID, "bedrock-model", "anthropic.claude-3-haiku-20240307-v1:0", "Bedrock model ID")

	// Gemini flags
	f.StringVar(&flags.GeminiAPIKey, "gemini-api-key", "", "API key for Google Gemini")
	f.StringVar(&flags.GeminiModelName, "gemini-model", "gemini-1.5-flash", "Gemini model name")

	// OpenAI flags
	f.StringVar(&flags.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI")
	f.StringVar(&flags.OpenAIModelName, "openai-model", "gpt-4o-mini", "OpenAI model name")

	// Preference flags
	f.StringSliceVar(&flags.ImportantSenders, "important-sender", nil, "Sender treated as important (repeatable)")
	f.StringSliceVar(&flags.ImportantKeywords, "important-keyword", nil, "Keyword raising importance (repeatable)")
	f.Float64Var(&flags.Threshold, "threshold", 0.6, "Minimum importance score")

	// Input flags
	f.StringSliceVarP(&flags.Files, "file", "f", nil, "Email file in RFC 5322 format (repeatable)")
	f.BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable verbose logging")
	f.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	f.StringVar(&flags.ConfigFile, "config", "", "Path to config file (overrides command line flags)")
}

// BuildCLIContainer creates and configures a dependency injection container for the CLI application
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		if flags.ConfigFile != "" {
			cfg, err := config.New(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
			// One-shot runs never touch persistent state
			cfg.Set("cache.type", "memory")
			return cfg, nil
		}

		// Create config from command line flags
		return createConfigFromFlags(flags), nil
	}); err != nil {
		return nil, err
	}

	if err := container.Provide(utils.NewTextProcessor); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewLLMFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewCacheFactory); err != nil {
		return nil, err
	}

	// Register LLM client
	if err := container.Provide(func(f *factory.LLMFactory) (core.LLMClient, error) {
		return f.CreateLLMClient(context.Background())
	}); err != nil {
		return nil, err
	}

	// Register classification cache
	if err := container.Provide(func(f *factory.CacheFactory) (core.ClassificationCache, error) {
		return f.CreateCache()
	}); err != nil {
		return nil, err
	}

	// Register in-memory store
	if err := container.Provide(func() core.Store {
		return store.NewMemoryStore()
	}); err != nil {
		return nil, err
	}

	if err := provideTriage(container); err != nil {
		return nil, err
	}

	// Register file source
	if err := container.Provide(func(flags *CLIFlags, service *triage.Service, logger *zap.Logger) *source.FileSource {
		return source.NewFileSource(service, flags.Files, os.Stdout, flags.Verbose, logger.Named("file"))
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags(flags *CLIFlags) *config.Config {
	v := config.NewEmptyViper()

	v.Set("cache.type", "memory")
	v.Set("store.type", "memory")

	// Set LLM provider
	v.Set("llm.provider", flags.Provider)

	// Set provider-specific configuration
	switch flags.Provider {
	case "bedrock":
		setProvider(v, "bedrock", flags)
		v.Set("bedrock.region", flags.BedrockRegion)
		v.Set("bedrock.model_id", flags.BedrockModelID)
	case "gemini":
		setProvider(v, "gemini", flags)
		v.Set("gemini.api_key", flags.GeminiAPIKey)
		v.Set("gemini.model_name", flags.GeminiModelName)
	case "openai":
		setProvider(v, "openai", flags)
		v.Set("openai.api_key", flags.OpenAIAPIKey)
		v.Set("openai.model_name", flags.OpenAIModelName)
	}

	// Set preferences
	v.Set("preferences.minimum_importance_score", flags.Threshold)
	if len(flags.ImportantSenders) > 0 {
		v.Set("preferences.important_senders", flags.ImportantSenders)
	}
	if len(flags.ImportantKeywords) > 0 {
		v.Set("preferences.important_keywords", flags.ImportantKeywords)
	}

	return config.NewFromViper(v)
}

func setProvider(v *viper.Viper, name string, flags *CLIFlags) {
	v.Set(name+".max_tokens", flags.MaxTokens)
	v.Set(name+".temperature", flags.Temperature)
	v.Set(name+".top_p", flags.TopP)
	v.Set(name+".max_body_size", flags.MaxBodySize)
}
