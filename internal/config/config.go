// Package config provides configuration loading for chatd.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally layered over a YAML config file. This package covers the HTTP
// server, the upstream LLM API, conversation summarization, the checkpoint
// store, and observability settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the complete chatd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	LLM           LLMConfig           `koanf:"llm"`
	Conversation  ConversationConfig  `koanf:"conversation"`
	Store         StoreConfig         `koanf:"store"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LLMConfig holds upstream chat completion API configuration.
type LLMConfig struct {
	APIKey      Secret        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	Temperature float64       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
}

// ConversationConfig holds turn pipeline configuration.
type ConversationConfig struct {
	// SummarizeThresholdTokens triggers history summarization once the
	// estimated token count of a thread exceeds it. Zero means "derive
	// from LLM.MaxTokens" (80%, matching the upstream context budget).
	SummarizeThresholdTokens int `koanf:"summarize_threshold_tokens"`

	// MessagesToKeep is how many recent messages survive summarization.
	MessagesToKeep int `koanf:"messages_to_keep"`
}

// StoreConfig holds checkpoint store configuration.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// ObservabilityConfig holds telemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HOST: HTTP bind host (default: 0.0.0.0)
//   - SERVER_PORT: HTTP server port (default: 5000)
//   - SERVER_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (default: 10s)
//   - OPENAI_API_KEY: upstream API key (required)
//   - OPENAI_BASE_URL: upstream API base URL (default: https://api.openai.com/v1)
//   - OPENAI_MODEL_NAME: model name (required)
//   - TEMPERATURE: sampling temperature (default: 0.7)
//   - MAX_TOKENS: maximum output tokens (default: 12288)
//   - LLM_TIMEOUT: upstream request timeout (default: 120s)
//   - SUMMARY_THRESHOLD_TOKENS: summarization trigger (default: 80% of MAX_TOKENS)
//   - SUMMARY_MESSAGES_TO_KEEP: messages kept after summarization (default: 10)
//   - STORE_PATH: SQLite checkpoint database path (default: data/checkpoints.db)
//   - OTEL_ENABLE: enable telemetry (default: true)
//   - OTEL_SERVICE_NAME: service name (default: chatd)
//   - LOG_LEVEL: zap level (default: info)
//   - LOG_FORMAT: json or console (default: json)
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 5000),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		LLM: LLMConfig{
			APIKey:      Secret(os.Getenv("OPENAI_API_KEY")),
			BaseURL:     getEnvString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:       os.Getenv("OPENAI_MODEL_NAME"),
			Temperature: getEnvFloat("TEMPERATURE", 0.7),
			MaxTokens:   getEnvInt("MAX_TOKENS", 12288),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 120*time.Second),
		},
		Conversation: ConversationConfig{
			SummarizeThresholdTokens: getEnvInt("SUMMARY_THRESHOLD_TOKENS", 0),
			MessagesToKeep:           getEnvInt("SUMMARY_MESSAGES_TO_KEEP", 10),
		},
		Store: StoreConfig{
			Path: getEnvString("STORE_PATH", "data/checkpoints.db"),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: getEnvBool("OTEL_ENABLE", true),
			ServiceName:     getEnvString("OTEL_SERVICE_NAME", "chatd"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
	}

	applyDerived(cfg)
	return cfg
}

// applyDerived fills values computed from other settings.
func applyDerived(cfg *Config) {
	if cfg.Conversation.SummarizeThresholdTokens == 0 && cfg.LLM.MaxTokens > 0 {
		cfg.Conversation.SummarizeThresholdTokens = cfg.LLM.MaxTokens * 8 / 10
	}
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - API key or model name is missing
//   - Temperature is outside [0, 2]
//   - Summarization settings are not positive
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if !c.LLM.APIKey.IsSet() {
		return errors.New("OPENAI_API_KEY is not set")
	}
	if c.LLM.BaseURL == "" {
		return errors.New("OPENAI_BASE_URL is not set")
	}
	if c.LLM.Model == "" {
		return errors.New("OPENAI_MODEL_NAME is not set")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("invalid temperature: %g (must be 0-2)", c.LLM.Temperature)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("invalid max tokens: %d (must be positive)", c.LLM.MaxTokens)
	}

	if c.Conversation.SummarizeThresholdTokens <= 0 {
		return errors.New("summarize threshold must be positive")
	}
	if c.Conversation.MessagesToKeep <= 0 {
		return errors.New("messages to keep must be positive")
	}

	if c.Store.Path == "" {
		return errors.New("store path must not be empty")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %q (must be json or console)", c.Logging.Format)
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
