package llm

import "fmt"

// APIError is returned when the upstream API responds with an error.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Type is the provider error type string
	// (e.g., "invalid_request_error", "rate_limit_error").
	Type string

	// Message is the human-readable error description.
	Message string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true for HTTP 429 responses.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}
