package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/models"
)

// ListMessages returns the conversation history in sequence order. When limit
// is positive only the most recent limit messages are returned; older history
// is truncated at read time, never deleted.
func (s *Service) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error) {
	if conversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	query := `SELECT id, conversation_id, user_id, role, content, tool_calls, sequence_number, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY sequence_number DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows arrive newest first; flip into ascending sequence order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetConversationWithMessages loads one owned conversation and its full ordered history.
func (s *Service) GetConversationWithMessages(ctx context.Context, userID, conversationID int64) (*models.Conversation, []*models.Message, error) {
	conv, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return conv, nil, err
	}
	return conv, messages, nil
}

// TurnRecord carries everything one completed chat turn must persist.
type TurnRecord struct {
	UserContent      string
	AssistantContent string
	ToolCalls        []models.ToolCall
	Logs             []models.ToolCallLog
	// NewConversationTitle names the conversation created for a first turn.
	// It is required when AppendTurn is called with conversationID 0 and
	// ignored otherwise.
	NewConversationTitle string
}

// AppendTurn persists a full turn in one transaction: the user message, the
// assistant message with its tool-call summary, one audit row per tool
// invocation, and the conversation updated_at bump. A conversationID of 0
// creates the conversation inside the same transaction, so a failed first
// turn leaves no empty conversation behind. Sequence numbers are assigned
// inside the transaction so concurrent turns on the same conversation cannot
// collide (the unique index backs this up).
func (s *Service) AppendTurn(ctx context.Context, userID, conversationID int64, rec TurnRecord) (*models.Conversation, *models.Message, *models.Message, error) {
	if userID <= 0 || conversationID < 0 {
		return nil, nil, nil, errors.New("user_id is required")
	}
	if conversationID == 0 && rec.NewConversationTitle == "" {
		return nil, nil, nil, errors.New("a new conversation requires a title")
	}
	if rec.UserContent == "" || rec.AssistantContent == "" {
		return nil, nil, nil, errors.New("turn requires both user and assistant content")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	var conv *models.Conversation
	if conversationID == 0 {
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			userID, rec.NewConversationTitle, now, now,
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create conversation: %w", err)
		}
		conversationID, err = res.LastInsertId()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("conversation id: %w", err)
		}
		conv = &models.Conversation{ID: conversationID, UserID: userID, Title: rec.NewConversationTitle, CreatedAt: now}
	} else {
		conv = &models.Conversation{ID: conversationID}
		err = tx.QueryRowContext(ctx,
			`SELECT user_id, title, created_at FROM conversations WHERE id = ?`,
			conversationID,
		).Scan(&conv.UserID, &conv.Title, &conv.CreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, nil, err
			}
			return nil, nil, nil, fmt.Errorf("verify conversation: %w", err)
		}
		if conv.UserID != userID {
			err = sql.ErrNoRows
			return nil, nil, nil, err
		}
	}

	var maxSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&maxSeq)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("max sequence: %w", err)
	}
	userMsg := &models.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           models.RoleUser,
		Content:        rec.UserContent,
		SequenceNumber: maxSeq + 1,
		CreatedAt:      now,
	}
	userMsg.ID, err = insertMessage(ctx, tx, userMsg, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	assistantMsg := &models.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           models.RoleAssistant,
		Content:        rec.AssistantContent,
		ToolCalls:      rec.ToolCalls,
		SequenceNumber: maxSeq + 2,
		CreatedAt:      now,
	}
	assistantMsg.ID, err = insertMessage(ctx, tx, assistantMsg, rec.ToolCalls)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, logEntry := range rec.Logs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tool_call_logs (conversation_id, user_id, message_id, tool_name, arguments, result, status, error_message, execution_time_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, logEntry.UserID, assistantMsg.ID, logEntry.ToolName,
			string(logEntry.Arguments), string(logEntry.Result),
			string(logEntry.Status), logEntry.ErrorMessage, logEntry.ExecutionTimeMS, now,
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("insert tool call log: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return nil, nil, nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("commit turn: %w", err)
	}
	conv.UpdatedAt = now
	return conv, userMsg, assistantMsg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message, toolCalls []models.ToolCall) (int64, error) {
	var toolCallsVal interface{}
	if len(toolCalls) > 0 {
		encoded, err := json.Marshal(toolCalls)
		if err != nil {
			return 0, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCallsVal = string(encoded)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, user_id, role, content, tool_calls, sequence_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.UserID, msg.Role, msg.Content, toolCallsVal, msg.SequenceNumber, msg.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	m := new(models.Message)
	var toolCalls sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &toolCalls, &m.SequenceNumber, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return m, nil
}
