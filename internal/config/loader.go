// internal/config/loader.go
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, LLM_BASE_URL, etc.)
//  2. YAML config file
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, only
// the environment is consulted (equivalent to Load).
//
// # Environment Variable Mapping
//
// Section-scoped environment variables use underscore separators and are
// uppercased. The transformer maps them to YAML field names:
//
//	SERVER_SHUTDOWN_TIMEOUT -> server.shutdown_timeout
//	LLM_BASE_URL            -> llm.base_url
//	CONVERSATION_MESSAGES_TO_KEEP -> conversation.messages_to_keep
//
// The legacy flat variables from the original deployment environment
// (OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL_NAME, TEMPERATURE,
// MAX_TOKENS) are also honored and take precedence over YAML values.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with section-scoped environment variables.
	// Example: SERVER_PORT -> server.port, LLM_MAX_TOKENS -> llm.max_tokens
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Start from env-derived defaults, then overlay file values.
	cfg := Load()
	if err := k.Unmarshal("server", &cfg.Server); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	if err := k.Unmarshal("llm", &cfg.LLM); err != nil {
		return nil, fmt.Errorf("failed to unmarshal llm config: %w", err)
	}
	if err := k.Unmarshal("conversation", &cfg.Conversation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation config: %w", err)
	}
	if err := k.Unmarshal("store", &cfg.Store); err != nil {
		return nil, fmt.Errorf("failed to unmarshal store config: %w", err)
	}
	if err := k.Unmarshal("observability", &cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observability config: %w", err)
	}
	if err := k.Unmarshal("logging", &cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to unmarshal logging config: %w", err)
	}

	// Legacy flat variables win over everything.
	applyLegacyEnv(cfg)
	applyFileDefaults(cfg)
	applyDerived(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyLegacyEnv applies the flat environment variables used by the
// original deployment scripts. They take precedence over file values.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = Secret(v)
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL_NAME"); v != "" {
		cfg.LLM.Model = v
	}
	if v := getEnvFloat("TEMPERATURE", -1); v >= 0 {
		cfg.LLM.Temperature = v
	}
	if v := getEnvInt("MAX_TOKENS", 0); v > 0 {
		cfg.LLM.MaxTokens = v
	}
}

// applyFileDefaults sets defaults for values a sparse YAML file may omit.
func applyFileDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "chatd"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/checkpoints.db"
	}
	if cfg.Conversation.MessagesToKeep == 0 {
		cfg.Conversation.MessagesToKeep = 10
	}
}
