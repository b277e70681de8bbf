// Package llm provides the client for OpenAI-compatible chat
// completion APIs, with both blocking and streaming request modes.
package llm

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/chatd/internal/config"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message in a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes a chat completion request. Zero-valued fields
// fall back to the client's configured defaults.
type Request struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Usage reports token counts for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a full, non-streamed model response.
type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Client is the interface for chat completion backends.
//
// Implementations translate between these types and the vendor wire
// format. All methods honor context cancellation.
type Client interface {
	// Complete sends a request and blocks until the full response
	// is available.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream sends a request and returns a Stream yielding text
	// fragments as they arrive. The caller must call Stream.Close
	// when done, even if iteration ended early.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Config holds the settings for an OpenAI-compatible client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `koanf:"base_url"`

	// APIKey is the bearer token sent with every request.
	APIKey config.Secret `koanf:"api_key"`

	// Model is the default model name for requests.
	Model string `koanf:"model"`

	// Temperature is the default sampling temperature.
	Temperature float64 `koanf:"temperature"`

	// MaxTokens is the default completion token limit.
	MaxTokens int `koanf:"max_tokens"`

	// Timeout bounds each request, including streaming reads.
	Timeout config.Duration `koanf:"timeout"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if !c.APIKey.IsSet() {
		return fmt.Errorf("api_key is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}

// EstimateTokens approximates the token count of text using the
// 4-characters-per-token heuristic. Good enough for threshold checks;
// not a tokenizer.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateMessagesTokens sums the token estimate over messages,
// including a small per-message framing overhead.
func EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}
