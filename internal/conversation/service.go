// Package conversation implements the chat turn pipeline: history
// loading, summarization of long threads, streaming reply generation,
// and checkpoint persistence.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatd/internal/llm"
	"github.com/fyrsmithlabs/chatd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/chatd/internal/conversation"

// DefaultSystemPrompt guides the assistant's tone.
const DefaultSystemPrompt = `You are a friendly, professional AI chat assistant.

Principles:
1. Respond politely and patiently.
2. Provide accurate, useful information.
3. When unsure, say so honestly instead of making things up.

Style:
- Natural, conversational phrasing.
- Adapt your tone to the user's.`

// DefaultSummaryPrompt condenses older history. The {messages}
// placeholder is replaced with the rendered transcript.
const DefaultSummaryPrompt = `Concisely summarize the key points of the following conversation history:

{messages}

Requirements:
1. Preserve important context.
2. Drop redundant greetings and small talk.
3. Highlight the user's main requests and your key replies.`

// Config holds conversation pipeline settings.
type Config struct {
	// SummarizeThresholdTokens triggers summarization when the
	// estimated token count of the pending context exceeds it.
	SummarizeThresholdTokens int `koanf:"summarize_threshold_tokens"`

	// SummaryMessagesToKeep is how many recent messages survive a
	// summarization pass verbatim.
	SummaryMessagesToKeep int `koanf:"summary_messages_to_keep"`

	// SystemPrompt is prepended to every completion request.
	SystemPrompt string `koanf:"system_prompt"`

	// SummaryPrompt is the summarization instruction; it may contain
	// a {messages} placeholder for the transcript.
	SummaryPrompt string `koanf:"summary_prompt"`
}

// DefaultConfig returns conversation defaults. The summarize
// threshold must still be set by the caller (it derives from the
// model's token limit).
func DefaultConfig() *Config {
	return &Config{
		SummaryMessagesToKeep: 10,
		SystemPrompt:          DefaultSystemPrompt,
		SummaryPrompt:         DefaultSummaryPrompt,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.SummarizeThresholdTokens <= 0 {
		return fmt.Errorf("summarize_threshold_tokens must be positive, got %d", c.SummarizeThresholdTokens)
	}
	if c.SummaryMessagesToKeep <= 0 {
		return fmt.Errorf("summary_messages_to_keep must be positive, got %d", c.SummaryMessagesToKeep)
	}
	return nil
}

// Service runs chat turns against a thread store and an LLM backend.
type Service interface {
	// HandleTurn starts one exchange on a thread. Validation errors
	// are returned synchronously; everything after that is reported
	// through the returned Turn. Turns on the same thread are
	// serialized; different threads proceed independently.
	HandleTurn(ctx context.Context, threadID, message string) (*Turn, error)

	// History returns the thread's persisted messages.
	History(ctx context.Context, threadID string) ([]store.Message, error)

	// InitThread creates an empty thread checkpoint. Returns
	// store.ErrThreadExists when already initialized.
	InitThread(ctx context.Context, threadID string) error

	// Close rejects further turns.
	Close() error
}

type service struct {
	config *Config
	llm    llm.Client
	store  store.Store
	logger *zap.Logger

	tracer    trace.Tracer
	turns     metric.Int64Counter
	summaries metric.Int64Counter

	locks lockTable

	mu     sync.RWMutex
	closed bool
}

// NewService creates a conversation service.
func NewService(cfg *Config, client llm.Client, st store.Store, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config: cfg,
		llm:    client,
		store:  st,
		logger: logger.Named("conversation"),
		tracer: otel.Tracer(instrumentationName),
	}
	s.locks.entries = make(map[string]*lockEntry)

	meter := otel.Meter(instrumentationName)
	var err error
	if s.turns, err = meter.Int64Counter("chatd_turns_total",
		metric.WithDescription("Chat turns by outcome")); err != nil {
		s.logger.Warn("failed to create turns counter", zap.Error(err))
	}
	if s.summaries, err = meter.Int64Counter("chatd_summaries_total",
		metric.WithDescription("History summarization passes")); err != nil {
		s.logger.Warn("failed to create summaries counter", zap.Error(err))
	}

	return s, nil
}

func (s *service) HandleTurn(ctx context.Context, threadID, message string) (*Turn, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(threadID) == "" {
		return nil, &ValidationError{Field: "thread_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(message) == "" {
		return nil, &ValidationError{Field: "message", Reason: "must not be empty"}
	}

	t := newTurn(threadID)
	go s.run(ctx, t, message)
	return t, nil
}

// run executes the turn pipeline and closes the fragment channel when
// done. Outcome fields on the Turn are written before the close.
func (s *service) run(ctx context.Context, t *Turn, message string) {
	defer close(t.fragments)

	release := s.locks.acquire(t.threadID)
	defer release()

	ctx, span := s.tracer.Start(ctx, "conversation.turn",
		trace.WithAttributes(attribute.String("thread.id", t.threadID)))
	defer span.End()

	logger := s.logger.With(zap.String("thread_id", t.threadID))

	history, err := s.loadHistory(ctx, t.threadID)
	if err != nil {
		t.err = fmt.Errorf("loading history: %w", err)
		s.countTurn(ctx, "load_error")
		return
	}

	history = append(history, store.Message{Role: store.RoleUser, Content: message})

	if s.estimate(history) > s.config.SummarizeThresholdTokens {
		condensed, err := s.summarize(ctx, history)
		if err != nil {
			t.err = &UpstreamError{Err: fmt.Errorf("summarizing history: %w", err)}
			s.countTurn(ctx, "summary_error")
			return
		}
		if len(condensed) < len(history) {
			history = condensed
			t.summarized = true
			if s.summaries != nil {
				s.summaries.Add(ctx, 1)
			}
			logger.Info("summarized thread history", zap.Int("messages", len(history)))
		}
	}

	stream, err := s.llm.Stream(ctx, llm.Request{Messages: s.toLLMMessages(history)})
	if err != nil {
		t.err = &UpstreamError{Err: err}
		s.countTurn(ctx, "upstream_error")
		return
	}
	defer stream.Close()

	for {
		fragment, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.err = &UpstreamError{Err: err}
			s.countTurn(ctx, "upstream_error")
			return
		}
		select {
		case t.fragments <- fragment:
		case <-ctx.Done():
			t.err = ctx.Err()
			s.countTurn(ctx, "canceled")
			return
		}
	}

	t.reply = stream.Completion().Content
	history = append(history, store.Message{Role: store.RoleAssistant, Content: t.reply})

	if err := s.store.Save(ctx, t.threadID, history); err != nil {
		t.warning = &StoreError{Err: err}
		logger.Warn("failed to persist turn", zap.Error(err))
		s.countTurn(ctx, "store_warning")
		return
	}

	s.countTurn(ctx, "ok")
}

func (s *service) History(ctx context.Context, threadID string) ([]store.Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(threadID) == "" {
		return nil, &ValidationError{Field: "thread_id", Reason: "must not be empty"}
	}
	return s.store.Load(ctx, threadID)
}

func (s *service) InitThread(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if strings.TrimSpace(threadID) == "" {
		return &ValidationError{Field: "thread_id", Reason: "must not be empty"}
	}
	return s.store.Init(ctx, threadID)
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("service is closed")
	}
	return nil
}

// loadHistory returns the thread's messages, or empty history when
// the thread does not exist yet.
func (s *service) loadHistory(ctx context.Context, threadID string) ([]store.Message, error) {
	history, err := s.store.Load(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return history, nil
}

// toLLMMessages converts persisted history to a completion request.
// The system prompt goes first; a summary message is rendered as a
// system message so the model treats it as context, not dialogue.
func (s *service) toLLMMessages(history []store.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	if s.config.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: s.config.SystemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case store.RoleSummary:
			messages = append(messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Summary of the conversation so far:\n\n" + m.Content,
			})
		case store.RoleAssistant:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		default:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
		}
	}
	return messages
}

func (s *service) estimate(history []store.Message) int {
	total := llm.EstimateTokens(s.config.SystemPrompt)
	for _, m := range history {
		total += llm.EstimateTokens(m.Content) + 4
	}
	return total
}

func (s *service) countTurn(ctx context.Context, outcome string) {
	if s.turns == nil {
		return
	}
	s.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// lockTable serializes turns per thread. Entries are refcounted and
// removed when the last holder releases, so the table stays bounded
// by the number of in-flight turns.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (lt *lockTable) acquire(id string) (release func()) {
	lt.mu.Lock()
	entry, ok := lt.entries[id]
	if !ok {
		entry = &lockEntry{}
		lt.entries[id] = entry
	}
	entry.refs++
	lt.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		lt.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(lt.entries, id)
		}
		lt.mu.Unlock()
	}
}
