package config

import (
	"time"

	"github.com/mikey/mail-triage/internal/core"
)

// ServerConfig represents the configuration for the REST boundary
type ServerConfig struct {
	ListenAddress   string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// WeightsConfig represents the rule engine weights
type WeightsConfig struct {
	Base            float64
	ImportantSender float64
	Keyword         float64
	Spam            float64
	SpamCeiling     float64
}

// TriageConfig represents the listing limits of the triage service
type TriageConfig struct {
	DefaultMaxResults int
	MaxResultsLimit   int
}

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider      string
	Timeout       time.Duration
	AmbiguityBand float64
	RateLimit     float64
	Burst         int
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// CacheConfig represents the configuration of the classification cache
type CacheConfig struct {
	Type             string
	MaxEntries       int
	TTL              time.Duration
	CleanupFrequency time.Duration
	SQLitePath       string
	MySQLDSN         string
}

// StoreConfig represents the configuration of the state store
type StoreConfig struct {
	Type        string
	SQLitePath  string
	PostgresURL string
}

// DraftsConfig represents the configuration of the reply draft generator
type DraftsConfig struct {
	MaxEntries  int
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
	Signature   string
}

// SMTPIntakeConfig represents the configuration of the SMTP ingestion source
type SMTPIntakeConfig struct {
	Enabled         bool
	ListenAddress   string
	Domain          string
	MaxMessageBytes int64
}

// IMAPConfig represents the configuration of the IMAP poller
type IMAPConfig struct {
	Enabled      bool
	Address      string
	Username     string
	Password     string
	Mailbox      string
	TLS          string
	PollInterval time.Duration
	BatchSize    int
}

// OutboundConfig represents the configuration of the outbound SMTP relay
type OutboundConfig struct {
	Enabled      bool
	Address      string
	Username     string
	Password     string
	From         string
	Hello        string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// duration returns the parsed duration at key or the fallback if it is malformed
func (c *Config) duration(key string, fallback time.Duration) time.Duration {
	d, err := c.GetDuration(key)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetServer returns the server configuration
func (c *Config) GetServer() ServerConfig {
	return ServerConfig{
		ListenAddress:   c.GetString("server.listen_address"),
		CORSOrigins:     c.GetStringSlice("server.cors_origins"),
		ShutdownTimeout: c.duration("server.shutdown_timeout", 10*time.Second),
	}
}

// GetWeights returns the rule engine weights
func (c *Config) GetWeights() WeightsConfig {
	return WeightsConfig{
		Base:            c.GetFloat64("triage.weights.base"),
		ImportantSender: c.GetFloat64("triage.weights.important_sender"),
		Keyword:         c.GetFloat64("triage.weights.keyword"),
		Spam:            c.GetFloat64("triage.weights.spam"),
		SpamCeiling:     c.GetFloat64("triage.weights.spam_ceiling"),
	}
}

// GetTriage returns the triage service configuration
func (c *Config) GetTriage() TriageConfig {
	return TriageConfig{
		DefaultMaxResults: c.GetInt("triage.default_max_results"),
		MaxResultsLimit:   c.GetInt("triage.max_results_limit"),
	}
}

// GetDefaultPreferences returns the preferences used before the user saves any
func (c *Config) GetDefaultPreferences() core.Preferences {
	return core.Preferences{
		ImportantSenders: c.GetStringSlice("preferences.important_senders"),
		BlockedSenders:   c.GetStringSlice("preferences.blocked_senders"),
		Keywords: core.Keywords{
			Important: c.GetStringSlice("preferences.important_keywords"),
			Spam:      c.GetStringSlice("preferences.spam_keywords"),
		},
		AutoArchivePatterns:     c.GetStringSlice("preferences.auto_archive_patterns"),
		MinimumImportanceScore:  c.GetFloat64("preferences.minimum_importance_score"),
		ShowPromotional:         c.GetBool("preferences.show_promotional"),
		EnableLLMClassification: c.GetBool("preferences.enable_llm_classification"),
	}
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider:      c.GetString("llm.provider"),
		Timeout:       c.duration("llm.timeout", 10*time.Second),
		AmbiguityBand: c.GetFloat64("llm.ambiguity_band"),
		RateLimit:     c.GetFloat64("llm.rate_limit"),
		Burst:         c.GetInt("llm.burst"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
	}
}

// GetCache returns the classification cache configuration
func (c *Config) GetCache() CacheConfig {
	return CacheConfig{
		Type:             c.GetString("cache.type"),
		MaxEntries:       c.GetInt("cache.max_entries"),
		TTL:              c.duration("cache.ttl", 24*time.Hour),
		CleanupFrequency: c.duration("cache.cleanup_frequency", time.Hour),
		SQLitePath:       c.GetString("cache.sqlite_path"),
		MySQLDSN:         c.GetString("cache.mysql_dsn"),
	}
}

// GetStore returns the state store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Type:        c.GetString("store.type"),
		SQLitePath:  c.GetString("store.sqlite_path"),
		PostgresURL: c.GetString("store.postgres_url"),
	}
}

// GetDrafts returns the draft generator configuration
func (c *Config) GetDrafts() DraftsConfig {
	return DraftsConfig{
		MaxEntries:  c.GetInt("drafts.max_entries"),
		Timeout:     c.duration("drafts.timeout", 30*time.Second),
		Temperature: float32(c.GetFloat64("drafts.temperature")),
		MaxTokens:   c.GetInt("drafts.max_tokens"),
		Signature:   c.GetString("drafts.signature"),
	}
}

// GetSMTPIntake returns the SMTP ingestion configuration
func (c *Config) GetSMTPIntake() SMTPIntakeConfig {
	return SMTPIntakeConfig{
		Enabled:         c.GetBool("ingest.smtp.enabled"),
		ListenAddress:   c.GetString("ingest.smtp.listen_address"),
		Domain:          c.GetString("ingest.smtp.domain"),
		MaxMessageBytes: int64(c.GetInt("ingest.smtp.max_message_bytes")),
	}
}

// GetIMAP returns the IMAP poller configuration
func (c *Config) GetIMAP() IMAPConfig {
	return IMAPConfig{
		Enabled:      c.GetBool("ingest.imap.enabled"),
		Address:      c.GetString("ingest.imap.address"),
		Username:     c.GetString("ingest.imap.username"),
		Password:     c.GetString("ingest.imap.password"),
		Mailbox:      c.GetString("ingest.imap.mailbox"),
		TLS:          c.GetString("ingest.imap.tls"),
		PollInterval: c.duration("ingest.imap.poll_interval", time.Minute),
		BatchSize:    c.GetInt("ingest.imap.batch_size"),
	}
}

// GetOutbound returns the outbound relay configuration
func (c *Config) GetOutbound() OutboundConfig {
	return OutboundConfig{
		Enabled:      c.GetBool("outbound.enabled"),
		Address:      c.GetString("outbound.smtp.address"),
		Username:     c.GetString("outbound.smtp.username"),
		Password:     c.GetString("outbound.smtp.password"),
		From:         c.GetString("outbound.smtp.from"),
		Hello:        c.GetString("outbound.smtp.hello"),
		Timeout:      c.duration("outbound.smtp.timeout", 30*time.Second),
		PollInterval: c.duration("outbound.poll_interval", 30*time.Second),
		MaxAttempts:  c.GetInt("outbound.max_attempts"),
	}
}
