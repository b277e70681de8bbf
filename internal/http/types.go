package http

// ChatStreamRequest is the request body for POST /api/chat/stream.
type ChatStreamRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// StreamEvent is one SSE data frame on the chat stream. Type is one
// of "thread_id", "token", "error", "done"; the other fields are set
// per type.
type StreamEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MessageView is one history entry in GET /api/thread/:id/messages.
type MessageView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryResponse is the response body for GET /api/thread/:id/messages.
type HistoryResponse struct {
	Success  bool          `json:"success"`
	Messages []MessageView `json:"messages"`
}

// InitResponse is the response body for POST /api/thread/:id/init.
type InitResponse struct {
	Success  bool   `json:"success"`
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// WelcomeResponse is the response body for GET /api/welcome.
type WelcomeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse is the generic failure body.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
