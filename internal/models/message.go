package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxContentLength caps stored message bodies.
const MaxContentLength = 10000

// ToolCall summarizes one tool invocation performed while producing an
// assistant message. Stored as JSON on the assistant row and echoed in
// chat responses.
type ToolCall struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Result     json.RawMessage `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}

// Message is one immutable turn entry inside a conversation. Ordering is
// defined solely by SequenceNumber; CreatedAt is advisory.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	UserID         int64      `json:"user_id"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	SequenceNumber int64      `json:"sequence_number"`
	CreatedAt      time.Time  `json:"created_at"`
}
