package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatd/internal/conversation"
)

// handleChatStream runs one chat turn and relays the reply as SSE.
//
// The event sequence is: one thread_id frame, zero or more token
// frames, an optional error frame, and always a terminal done frame.
// Each frame is a JSON object on a data: line.
func (s *Server) handleChatStream(c echo.Context) error {
	var req ChatStreamRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing thread_id or message"})
	}

	ctx := c.Request().Context()
	turn, err := s.service.HandleTurn(ctx, req.ThreadID, req.Message)
	if err != nil {
		var vErr *conversation.ValidationError
		if errors.As(err, &vErr) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": vErr.Error()})
		}
		s.logger.Error("failed to start turn", zap.String("thread_id", req.ThreadID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	logger := s.logger.With(
		zap.String("thread_id", req.ThreadID),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
	)
	logger.Info("chat stream started")

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)

	// Write failures mean the client is gone. Keep draining so the
	// turn observes cancellation through the request context; the
	// pipeline stops on its own.
	clientGone := false
	send := func(event StreamEvent) {
		if clientGone {
			return
		}
		if err := writeEvent(c, event); err != nil {
			clientGone = true
		}
	}

	send(StreamEvent{Type: "thread_id", ThreadID: turn.ThreadID()})

	for fragment := range turn.Fragments() {
		send(StreamEvent{Type: "token", Content: fragment})
	}

	switch err := turn.Err(); {
	case err == nil:
		if warn := turn.Warning(); warn != nil {
			logger.Warn("turn finished with warning", zap.Error(warn))
		}
		logger.Info("chat stream finished", zap.Bool("summarized", turn.Summarized()))
	case errors.Is(err, ctx.Err()) && ctx.Err() != nil:
		logger.Info("chat stream canceled by client")
	default:
		logger.Error("chat stream failed", zap.Error(err))
		send(StreamEvent{Type: "error", Error: err.Error()})
	}

	// Every path ends the stream explicitly.
	send(StreamEvent{Type: "done"})
	return nil
}

// writeEvent writes one SSE data frame and flushes it.
func writeEvent(c echo.Context, event StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	c.Response().Flush()
	return nil
}
