package store

import "time"

// MessageRole identifies a persisted message author.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"

	// RoleSummary marks a condensed stand-in for older messages. A
	// thread holds at most one summary message, always at position 0.
	RoleSummary MessageRole = "summary"
)

// Valid reports whether the role is one of the known values.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSummary:
		return true
	}
	return false
}

// Message is a persisted conversation message.
type Message struct {
	ID        string      `db:"id"`
	ThreadID  string      `db:"thread_id"`
	Role      MessageRole `db:"role"`
	Content   string      `db:"content"`
	Position  int         `db:"position"`
	CreatedAt time.Time   `db:"created_at"`
}

// Thread is a persisted conversation thread.
type Thread struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
