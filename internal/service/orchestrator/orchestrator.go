package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"taskflow/internal/models"
	"taskflow/internal/service/ai"
	"taskflow/internal/service/store"
	"taskflow/internal/service/tasks"
)

var (
	// ErrProvider marks language-model failures. Nothing is persisted for the
	// turn and callers surface a generic fallback, never provider internals.
	ErrProvider = errors.New("model provider failure")

	// ErrTurnTimeout marks a turn that exhausted its wall-clock budget.
	ErrTurnTimeout = errors.New("turn timed out")

	// ErrEmptyMessage rejects blank input before any model or store access.
	ErrEmptyMessage = errors.New("message cannot be empty")

	// ErrMessageTooLong rejects input larger than the stored message cap.
	ErrMessageTooLong = errors.New("message too long")

	// ErrStreamInterrupted marks a chunk callback failure, usually the
	// streaming client going away. It is not a provider fault.
	ErrStreamInterrupted = errors.New("stream delivery interrupted")
)

const systemPrompt = "You are Taskflow, an assistant that manages the user's personal task list. " +
	"Use the provided tools to list, create, inspect, update, delete, and complete tasks. " +
	"Always act through tools when the user asks for a change; never claim an action happened without calling the matching tool. " +
	"Task ids are numeric and come from tool results. " +
	"Answer concisely in plain language and mention what was done."

const roundLimitAnswer = "I had to stop before finishing: the request needed more tool steps than a single turn allows. " +
	"Any changes already made are saved. Please send the request again to continue."

const defaultTitle = "New Conversation"

// Config bounds one turn of the orchestrator loop.
type Config struct {
	MaxToolRounds int
	TurnTimeout   time.Duration
	ToolTimeout   time.Duration
	HistoryLimit  int
}

// Service drives the per-request chat turn: load history, run the bounded
// model/tool loop, persist the completed turn. It holds no per-conversation
// state; every request reconstructs its context from the store.
type Service struct {
	store     *store.Service
	tasks     *tasks.Service
	chatModel model.ToolCallingChatModel
	cfg       Config
	logger    *logrus.Logger
}

// NewService wires the orchestrator.
func NewService(storeSvc *store.Service, taskSvc *tasks.Service, chatModel model.ToolCallingChatModel, cfg Config, logger *logrus.Logger) *Service {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 5
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = time.Minute
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:     storeSvc,
		tasks:     taskSvc,
		chatModel: chatModel,
		cfg:       cfg,
		logger:    logger,
	}
}

// TurnRequest is one inbound chat message under an authenticated owner.
type TurnRequest struct {
	UserID         int64
	ConversationID int64
	Message        string
	// ChunkFn, when set, receives assistant content fragments as the
	// provider streams them. Persistence is identical either way.
	ChunkFn func(string) error
}

// TurnResult is the completed, persisted turn.
type TurnResult struct {
	Conversation     *models.Conversation
	UserMessage      *models.Message
	AssistantMessage *models.Message
	ToolCalls        []models.ToolCall
	CreatedNew       bool
}

// RunTurn executes one full request/response cycle. On any error before
// persistence the store is left untouched; the caller either receives a
// complete consistent turn or a clean error.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	content := strings.TrimSpace(req.Message)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > models.MaxContentLength {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrMessageTooLong, models.MaxContentLength)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	var (
		conv    *models.Conversation
		history []*models.Message
		err     error
	)
	if req.ConversationID > 0 {
		conv, err = s.store.GetConversation(ctx, req.UserID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		history, err = s.store.ListMessages(ctx, conv.ID, s.cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}
	}

	chatMessages := buildPromptMessages(history, content)

	dispatcher := ai.NewTaskDispatcher(s.tasks, req.UserID)
	infos, err := dispatcher.ToolInfos(ctx)
	if err != nil {
		return nil, fmt.Errorf("tool schemas: %w", err)
	}
	toolModel, err := s.chatModel.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}

	var (
		summaries []models.ToolCall
		logs      []models.ToolCallLog
		answer    string
	)
	for round := 0; ; round++ {
		if round >= s.cfg.MaxToolRounds {
			answer = roundLimitAnswer
			break
		}
		resp, genErr := s.generate(ctx, toolModel, chatMessages, req.ChunkFn)
		if genErr != nil {
			return nil, s.providerError(genErr)
		}
		if len(resp.ToolCalls) == 0 {
			answer = resp.Content
			break
		}

		chatMessages = append(chatMessages, resp)
		for _, tc := range resp.ToolCalls {
			summary, logEntry, result := s.executeTool(ctx, dispatcher, req.UserID, tc)
			summaries = append(summaries, summary)
			logs = append(logs, logEntry)
			chatMessages = append(chatMessages, schema.ToolMessage(result, tc.ID))
		}
		if ctx.Err() != nil {
			return nil, s.providerError(ctx.Err())
		}
	}
	if strings.TrimSpace(answer) == "" {
		answer = "Done."
	}

	// a first turn creates its conversation inside the AppendTurn
	// transaction, so a persist failure leaves no empty conversation
	createdNew := conv == nil
	rec := store.TurnRecord{
		UserContent:      content,
		AssistantContent: answer,
		ToolCalls:        summaries,
		Logs:             logs,
	}
	var conversationID int64
	if conv != nil {
		conversationID = conv.ID
	} else {
		rec.NewConversationTitle = defaultTitle
	}
	conv, userMsg, assistantMsg, err := s.store.AppendTurn(ctx, req.UserID, conversationID, rec)
	if err != nil {
		return nil, err
	}

	if createdNew || len(history) == 0 {
		s.setTitle(ctx, conv, content)
	}

	return &TurnResult{
		Conversation:     conv,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		ToolCalls:        summaries,
		CreatedNew:       createdNew,
	}, nil
}

// generate runs one model round, streaming when a chunk callback is present.
func (s *Service) generate(ctx context.Context, toolModel model.ToolCallingChatModel, msgs []*schema.Message, chunkFn func(string) error) (*schema.Message, error) {
	if chunkFn == nil {
		return toolModel.Generate(ctx, msgs)
	}
	reader, err := toolModel.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := reader.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return nil, recvErr
		}
		if chunk.Content != "" {
			if cbErr := chunkFn(chunk.Content); cbErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrStreamInterrupted, cbErr)
			}
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return nil, errors.New("empty model stream")
	}
	return schema.ConcatMessages(chunks)
}

// executeTool runs one requested invocation under the per-tool budget and
// produces both the client-facing summary and the audit log row. Failures are
// recorded and fed back to the model as results, not raised.
func (s *Service) executeTool(ctx context.Context, dispatcher *ai.Dispatcher, userID int64, tc schema.ToolCall) (models.ToolCall, models.ToolCallLog, string) {
	toolCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
	started := time.Now()
	result, err := dispatcher.Dispatch(toolCtx, tc.Function.Name, tc.Function.Arguments)
	cancel()
	elapsed := time.Since(started).Milliseconds()

	status := models.ToolCallSuccess
	errMsg := ""
	if err != nil {
		status = models.ToolCallError
		errMsg = err.Error()
		result = ai.ErrorResult(err)
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"tool":    tc.Function.Name,
		}).WithError(err).Warn("tool invocation failed")
	}

	args := normalizeJSON(tc.Function.Arguments)
	resultJSON := normalizeJSON(result)
	summary := models.ToolCall{
		Tool:       tc.Function.Name,
		Parameters: args,
		Result:     resultJSON,
		DurationMS: elapsed,
	}
	logEntry := models.ToolCallLog{
		UserID:          userID,
		ToolName:        tc.Function.Name,
		Arguments:       args,
		Result:          resultJSON,
		Status:          status,
		ErrorMessage:    errMsg,
		ExecutionTimeMS: elapsed,
	}
	return summary, logEntry, result
}

// setTitle derives a conversation title for the first exchange, asking the
// model first and falling back to a truncated user message. Best effort.
func (s *Service) setTitle(ctx context.Context, conv *models.Conversation, userContent string) {
	title := s.generateTitle(ctx, userContent)
	if title == "" {
		title = truncateTitle(userContent)
	}
	if title == "" {
		return
	}
	if err := s.store.UpdateConversationTitle(ctx, conv.UserID, conv.ID, title); err != nil {
		s.logger.WithError(err).Warn("update conversation title failed")
		return
	}
	conv.Title = title
}

func (s *Service) generateTitle(ctx context.Context, userContent string) string {
	prompt := []*schema.Message{
		schema.SystemMessage("You are a conversation title generator. " +
			"Produce a concise title, at most six words, summarizing the user's request. " +
			"Output only the title with no extra content."),
		schema.UserMessage(userContent),
	}
	resp, err := s.chatModel.Generate(ctx, prompt)
	if err != nil {
		return ""
	}
	return truncateTitle(resp.Content)
}

func truncateTitle(input string) string {
	title := strings.TrimSpace(input)
	const max = 60
	runes := []rune(title)
	if len(runes) > max {
		title = string(runes[:max])
	}
	return title
}

func (s *Service) providerError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.WithError(err).Warn("chat turn exceeded its time budget")
		return ErrTurnTimeout
	}
	if errors.Is(err, ErrStreamInterrupted) {
		// the client went away mid-stream; not a provider fault
		s.logger.WithError(err).Info("stream delivery interrupted")
		return err
	}
	s.logger.WithError(err).Error("model provider call failed")
	return fmt.Errorf("%w: %v", ErrProvider, err)
}

func buildPromptMessages(history []*models.Message, userContent string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, schema.SystemMessage(systemPrompt))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case models.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	msgs = append(msgs, schema.UserMessage(userContent))
	return msgs
}

// normalizeJSON keeps stored arguments/results valid JSON even when the model
// emits something malformed.
func normalizeJSON(input string) json.RawMessage {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, err := json.Marshal(trimmed)
	if err != nil {
		return json.RawMessage("{}")
	}
	return encoded
}
