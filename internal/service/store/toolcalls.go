package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"taskflow/internal/models"
)

// ListToolCallLogs returns the audit trail for one owned conversation, oldest first.
func (s *Service) ListToolCallLogs(ctx context.Context, userID, conversationID int64) ([]models.ToolCallLog, error) {
	if userID <= 0 || conversationID <= 0 {
		return nil, errors.New("user_id and conversation_id are required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, COALESCE(message_id, 0), tool_name, arguments, result, status, COALESCE(error_message, ''), execution_time_ms, created_at
		 FROM tool_call_logs WHERE conversation_id = ? AND user_id = ? ORDER BY id ASC`,
		conversationID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tool call logs: %w", err)
	}
	defer rows.Close()

	logs := make([]models.ToolCallLog, 0)
	for rows.Next() {
		var entry models.ToolCallLog
		var arguments, result string
		if err := rows.Scan(&entry.ID, &entry.ConversationID, &entry.UserID, &entry.MessageID,
			&entry.ToolName, &arguments, &result, &entry.Status, &entry.ErrorMessage,
			&entry.ExecutionTimeMS, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call log: %w", err)
		}
		entry.Arguments = json.RawMessage(arguments)
		entry.Result = json.RawMessage(result)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
