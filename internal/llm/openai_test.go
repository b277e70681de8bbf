package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chatd/internal/config"
)

func testConfig(t *testing.T, baseURL string) *Config {
	t.Helper()
	var key config.Secret
	require.NoError(t, key.UnmarshalText([]byte("test-key")))
	return &Config{
		BaseURL:     baseURL,
		APIKey:      key,
		Model:       "test-model",
		Temperature: 0.7,
		MaxTokens:   256,
	}
}

func TestNewOpenAI_InvalidConfig(t *testing.T) {
	_, err := NewOpenAI(nil, nil)
	require.Error(t, err)

	_, err = NewOpenAI(&Config{}, nil)
	require.Error(t, err)
}

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"model": "test-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
		}`)
	}))
	defer server.Close()

	client, err := NewOpenAI(testConfig(t, server.URL+"/v1"), nil)
	require.NoError(t, err)

	completion, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", completion.Content)
	assert.Equal(t, "test-model", completion.Model)
	assert.Equal(t, "stop", completion.FinishReason)
	assert.Equal(t, 10, completion.Usage.PromptTokens)
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"type": "rate_limit_error", "message": "slow down"}}`)
	}))
	defer server.Close()

	client, err := NewOpenAI(testConfig(t, server.URL+"/v1"), nil)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_error", apiErr.Type)
	assert.Equal(t, "slow down", apiErr.Message)
	assert.True(t, apiErr.IsRateLimited())
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"id":"chatcmpl-1","model":"test-model","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}` + "\n\n",
			`data: {"id":"chatcmpl-1","model":"test-model","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}` + "\n\n",
			`data: {"id":"chatcmpl-1","model":"test-model","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n",
			`data: {"id":"chatcmpl-1","model":"test-model","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}` + "\n\n",
			"data: [DONE]\n\n",
		}
		for _, chunk := range chunks {
			_, _ = io.WriteString(w, chunk)
		}
	}))
	defer server.Close()

	client, err := NewOpenAI(testConfig(t, server.URL+"/v1"), nil)
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var fragments []string
	for {
		fragment, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		fragments = append(fragments, fragment)
	}

	assert.Equal(t, []string{"Hello", " world"}, fragments)

	completion := stream.Completion()
	assert.Equal(t, "Hello world", completion.Content)
	assert.Equal(t, "test-model", completion.Model)
	assert.Equal(t, "stop", completion.FinishReason)
	assert.Equal(t, 5, completion.Usage.PromptTokens)
	assert.Equal(t, 2, completion.Usage.CompletionTokens)
}

func TestStream_MidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w,
			`data: {"id":"chatcmpl-1","model":"test-model","choices":[{"index":0,"delta":{"content":"par"},"finish_reason":null}]}`+"\n\n")
		_, _ = io.WriteString(w,
			`data: {"error": {"type": "server_error", "message": "upstream failed"}}`+"\n\n")
	}))
	defer server.Close()

	client, err := NewOpenAI(testConfig(t, server.URL+"/v1"), nil)
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	fragment, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "par", fragment)

	_, err = stream.Next()
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "server_error", apiErr.Type)
}

func TestStream_TruncatedWithoutDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w,
			`data: {"id":"chatcmpl-1","model":"test-model","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}`+"\n\n")
	}))
	defer server.Close()

	client, err := NewOpenAI(testConfig(t, server.URL+"/v1"), nil)
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.NoError(t, err)

	_, err = stream.Next()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestStream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error": {"type": "authentication_error", "message": "bad key"}}`)
	}))
	defer server.Close()

	client, err := NewOpenAI(testConfig(t, server.URL+"/v1"), nil)
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 3, EstimateTokens("hello worl"))

	total := EstimateMessagesTokens([]Message{
		{Role: RoleUser, Content: "12345678"},
		{Role: RoleAssistant, Content: "1234"},
	})
	assert.Equal(t, (8/4+4)+(4/4+4), total)
}
