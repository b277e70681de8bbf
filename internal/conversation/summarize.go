package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/chatd/internal/llm"
	"github.com/fyrsmithlabs/chatd/internal/store"
)

// summarize condenses all but the last SummaryMessagesToKeep messages
// into a single summary-role message at position 0. A prior summary
// is folded into the new one. Returns the input unchanged when there
// is nothing worth condensing.
func (s *service) summarize(ctx context.Context, history []store.Message) ([]store.Message, error) {
	keep := s.config.SummaryMessagesToKeep
	// Replacing fewer than two messages with one would not shrink
	// the history.
	if len(history) < keep+2 {
		return history, nil
	}

	prefix := history[:len(history)-keep]
	tail := history[len(history)-keep:]

	prompt := s.config.SummaryPrompt
	transcript := renderTranscript(prefix)
	if strings.Contains(prompt, "{messages}") {
		prompt = strings.ReplaceAll(prompt, "{messages}", transcript)
	} else {
		prompt = prompt + "\n\n" + transcript
	}

	completion, err := s.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(completion.Content) == "" {
		return nil, fmt.Errorf("summary completion was empty")
	}

	condensed := make([]store.Message, 0, keep+1)
	condensed = append(condensed, store.Message{
		Role:    store.RoleSummary,
		Content: completion.Content,
	})
	condensed = append(condensed, tail...)
	return condensed, nil
}

// renderTranscript formats messages for the summary prompt.
func renderTranscript(messages []store.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case store.RoleSummary:
			b.WriteString("Previous summary: ")
		case store.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
