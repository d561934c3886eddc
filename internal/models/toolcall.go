package models

import (
	"encoding/json"
	"time"
)

type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCallLog is the append-only audit record of a single tool invocation,
// written once per invocation whether it succeeded or failed. It is kept
// separate from Message so the audit trail can be retained or queried on
// its own.
type ToolCallLog struct {
	ID              int64           `json:"id"`
	ConversationID  int64           `json:"conversation_id"`
	UserID          int64           `json:"user_id"`
	MessageID       int64           `json:"message_id,omitempty"`
	ToolName        string          `json:"tool_name"`
	Arguments       json.RawMessage `json:"arguments"`
	Result          json.RawMessage `json:"result"`
	Status          ToolCallStatus  `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}
