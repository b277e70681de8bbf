package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/chatd/internal/llm"

// OpenAI implements Client for the OpenAI Chat Completions API.
// Compatible with any backend that speaks the same wire format
// (OpenAI, Azure OpenAI, OpenRouter, vLLM, Ollama, llama.cpp).
type OpenAI struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger

	requests metric.Int64Counter
	tokens   metric.Int64Counter
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(cfg *Config, logger *zap.Logger) (*OpenAI, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &OpenAI{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
		logger: logger.Named("llm"),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if c.requests, err = meter.Int64Counter("chatd_llm_requests_total",
		metric.WithDescription("Chat completion requests by mode and outcome")); err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}
	if c.tokens, err = meter.Int64Counter("chatd_llm_tokens_total",
		metric.WithDescription("Tokens consumed by direction")); err != nil {
		logger.Warn("failed to create tokens counter", zap.Error(err))
	}

	return c, nil
}

// Complete sends a non-streaming request and returns the full response.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := c.do(ctx, c.buildRequest(req, false), false)
	if err != nil {
		c.count(ctx, "complete", "error")
		return nil, err
	}
	defer resp.Body.Close()

	var wire openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		c.count(ctx, "complete", "error")
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(wire.Choices) == 0 {
		c.count(ctx, "complete", "error")
		return nil, fmt.Errorf("response contained no choices")
	}

	c.count(ctx, "complete", "ok")
	c.countTokens(ctx, wire.Usage)

	choice := wire.Choices[0]
	return &Completion{
		Content:      choice.Message.Content,
		Model:        wire.Model,
		FinishReason: choice.FinishReason,
		Usage:        wire.Usage,
	}, nil
}

// Stream sends a streaming request and returns a Stream of text
// fragments.
func (c *OpenAI) Stream(ctx context.Context, req Request) (*Stream, error) {
	resp, err := c.do(ctx, c.buildRequest(req, true), true)
	if err != nil {
		c.count(ctx, "stream", "error")
		return nil, err
	}

	return c.newStream(ctx, resp.Body), nil
}

// newStream wires the SSE scanner to a Stream. The upstream protocol
// terminates with "data: [DONE]"; errors arrive as regular data lines
// carrying an "error" object instead of a completion chunk.
func (c *OpenAI) newStream(ctx context.Context, body io.ReadCloser) *Stream {
	scanner := newSSEScanner(body)
	stream := NewStream(nil, body)
	finished := false

	stream.next = func() (string, error) {
		for {
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					c.count(ctx, "stream", "error")
					return "", fmt.Errorf("reading stream: %w", err)
				}
				if !finished {
					c.count(ctx, "stream", "truncated")
					return "", fmt.Errorf("stream ended without [DONE]")
				}
				return "", io.EOF
			}

			data := scanner.Event().Data
			if data == "[DONE]" {
				finished = true
				c.count(ctx, "stream", "ok")
				c.countTokens(ctx, stream.usage)
				return "", io.EOF
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", fmt.Errorf("parsing stream chunk: %w", err)
			}

			if len(chunk.Choices) == 0 && chunk.Usage == nil && chunk.Model == "" {
				if apiErr := parseErrorChunk(data); apiErr != nil {
					c.count(ctx, "stream", "error")
					return "", apiErr
				}
			}

			stream.setModel(chunk.Model)
			if chunk.Usage != nil {
				stream.setUsage(*chunk.Usage)
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != nil {
				stream.setFinishReason(*choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				return choice.Delta.Content, nil
			}
		}
	}

	return stream
}

func (c *OpenAI) buildRequest(req Request, stream bool) openaiRequest {
	wire := openaiRequest{
		Model:     c.config.Model,
		Messages:  req.Messages,
		MaxTokens: c.config.MaxTokens,
	}

	temperature := c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	wire.Temperature = &temperature

	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}
	if stream {
		wire.Stream = true
		wire.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	return wire
}

// do marshals the wire request, POSTs it to the chat completions
// endpoint, and returns the HTTP response. Non-200 responses are
// converted to *APIError with the body already closed.
func (c *OpenAI) do(ctx context.Context, wire openaiRequest, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey.Value())
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	return resp, nil
}

func (c *OpenAI) count(ctx context.Context, mode, outcome string) {
	if c.requests == nil {
		return
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

func (c *OpenAI) countTokens(ctx context.Context, usage Usage) {
	if c.tokens == nil {
		return
	}
	c.tokens.Add(ctx, int64(usage.PromptTokens),
		metric.WithAttributes(attribute.String("direction", "prompt")))
	c.tokens.Add(ctx, int64(usage.CompletionTokens),
		metric.WithAttributes(attribute.String("direction", "completion")))
}

// readAPIError parses an error response body in the common format
// {"error":{"type":"...","message":"..."}}. Extra fields in the error
// object are ignored.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Type:       wire.Error.Type,
			Message:    wire.Error.Message,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

// parseErrorChunk detects mid-stream error payloads. Returns nil when
// the data is not an error object.
func parseErrorChunk(data string) *APIError {
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(data), &wire) == nil && wire.Error.Message != "" {
		return &APIError{
			StatusCode: http.StatusOK,
			Type:       wire.Error.Type,
			Message:    wire.Error.Message,
		}
	}
	return nil
}

// --- wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	MaxTokens     int                  `json:"max_tokens"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openaiChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Streaming chunks use "delta" instead of "message"; finish_reason is
// null until the final chunk, and the usage chunk arrives after it
// with an empty choices array.

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *Usage               `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}
