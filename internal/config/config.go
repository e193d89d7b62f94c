package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance. An explicit config file path takes
// precedence over the search paths.
func New(configFile string) (*Config, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mail-triage/")
		v.AddConfigPath("$HOME/.mail-triage")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("MAIL_TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// NewDefault returns a configuration holding only the defaults
func NewDefault() *Config {
	return NewFromViper(NewEmptyViper())
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", "10s")

	// Rule engine weights
	v.SetDefault("triage.weights.base", 0.5)
	v.SetDefault("triage.weights.important_sender", 0.9)
	v.SetDefault("triage.weights.keyword", 0.1)
	v.SetDefault("triage.weights.spam", 0.15)
	v.SetDefault("triage.weights.spam_ceiling", 0.2)
	v.SetDefault("triage.default_max_results", 50)
	v.SetDefault("triage.max_results_limit", 500)

	// Default preferences applied when none are stored
	v.SetDefault("preferences.minimum_importance_score", 0.6)
	v.SetDefault("preferences.show_promotional", false)
	v.SetDefault("preferences.enable_llm_classification", true)
	v.SetDefault("preferences.important_senders", []string{})
	v.SetDefault("preferences.blocked_senders", []string{})
	v.SetDefault("preferences.important_keywords", []string{})
	v.SetDefault("preferences.spam_keywords", []string{})
	v.SetDefault("preferences.auto_archive_patterns", []string{})

	// LLM provider defaults
	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.timeout", "10s")
	v.SetDefault("llm.ambiguity_band", 0.15)
	v.SetDefault("llm.rate_limit", 2.0)
	v.SetDefault("llm.burst", 4)

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-3-haiku-20240307-v1:0")
	v.SetDefault("bedrock.max_tokens", 500)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)
	v.SetDefault("bedrock.max_body_size", 1500)

	// Gemini defaults
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-1.5-flash")
	v.SetDefault("gemini.max_tokens", 500)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.top_p", 0.9)
	v.SetDefault("gemini.max_body_size", 1500)

	// OpenAI defaults
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model_name", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 500)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.top_p", 0.9)
	v.SetDefault("openai.max_body_size", 1500)

	// Classifier defaults
	v.SetDefault("classifier.workers", 4)

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.cleanup_frequency", "1h")
	v.SetDefault("cache.sqlite_path", "/data/classification_cache.db")
	v.SetDefault("cache.mysql_dsn", "user:password@tcp(localhost:3306)/mail_triage")

	// Store defaults
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.sqlite_path", "/data/mail_triage.db")
	v.SetDefault("store.postgres_url", "postgres://localhost:5432/mail_triage")

	// Draft defaults
	v.SetDefault("drafts.max_entries", 256)
	v.SetDefault("drafts.timeout", "30s")
	v.SetDefault("drafts.temperature", 0.7)
	v.SetDefault("drafts.max_tokens", 500)
	v.SetDefault("drafts.signature", "")

	// Ingestion defaults
	v.SetDefault("ingest.smtp.enabled", false)
	v.SetDefault("ingest.smtp.listen_address", "0.0.0.0:2525")
	v.SetDefault("ingest.smtp.domain", "localhost")
	v.SetDefault("ingest.smtp.max_message_bytes", 10*1024*1024)
	v.SetDefault("ingest.imap.enabled", false)
	v.SetDefault("ingest.imap.address", "")
	v.SetDefault("ingest.imap.username", "")
	v.SetDefault("ingest.imap.password", "")
	v.SetDefault("ingest.imap.mailbox", "INBOX")
	v.SetDefault("ingest.imap.tls", "implicit")
	v.SetDefault("ingest.imap.poll_interval", "1m")
	v.SetDefault("ingest.imap.batch_size", 50)

	// Outbound defaults
	v.SetDefault("outbound.enabled", false)
	v.SetDefault("outbound.smtp.address", "localhost:25")
	v.SetDefault("outbound.smtp.username", "")
	v.SetDefault("outbound.smtp.password", "")
	v.SetDefault("outbound.smtp.from", "")
	v.SetDefault("outbound.smtp.hello", "localhost")
	v.SetDefault("outbound.smtp.timeout", "30s")
	v.SetDefault("outbound.poll_interval", "30s")
	v.SetDefault("outbound.max_attempts", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(c.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// Set overrides a configuration value
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
