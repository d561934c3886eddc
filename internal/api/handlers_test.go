package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"taskflow/internal/auth"
	"taskflow/internal/config"
	"taskflow/internal/models"
	"taskflow/internal/service/orchestrator"
	"taskflow/internal/service/store"
	"taskflow/internal/service/tasks"
	"taskflow/internal/storage"
	"taskflow/internal/worker"
)

func TestTaskRESTEndToEnd(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedModel{}, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	// empty list first
	listResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/tasks", userID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Tasks []models.Task `json:"tasks"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if listBody.Tasks == nil || len(listBody.Tasks) != 0 {
		t.Fatalf("expected empty task array, got %#v", listBody.Tasks)
	}

	createResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/tasks", userID),
		map[string]string{"title": "Buy milk", "description": "two liters"},
		authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var created models.Task
	decodeJSON(t, createResp.Body.Bytes(), &created)
	if created.ID <= 0 || created.Title != "Buy milk" {
		t.Fatalf("unexpected created task: %+v", created)
	}

	getResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/tasks/%d", userID, created.ID), nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)

	patchResp := doJSONRequest(t, router, http.MethodPatch,
		fmt.Sprintf("/api/users/%d/tasks/%d", userID, created.ID),
		map[string]string{"title": "Buy oat milk"},
		authHeader)
	assertStatus(t, patchResp, http.StatusOK)
	var patched models.Task
	decodeJSON(t, patchResp.Body.Bytes(), &patched)
	if patched.Title != "Buy oat milk" || patched.Description != "two liters" {
		t.Fatalf("partial update wrong: %+v", patched)
	}

	toggleResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/tasks/%d/toggle", userID, created.ID), nil, authHeader)
	assertStatus(t, toggleResp, http.StatusOK)
	var toggled models.Task
	decodeJSON(t, toggleResp.Body.Bytes(), &toggled)
	if !toggled.Completed {
		t.Fatalf("expected completed after toggle")
	}

	deleteResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d/tasks/%d", userID, created.ID), nil, authHeader)
	assertStatus(t, deleteResp, http.StatusNoContent)

	missingResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/tasks/%d", userID, created.ID), nil, authHeader)
	assertStatus(t, missingResp, http.StatusNotFound)

	badResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/tasks", userID),
		map[string]string{"title": ""},
		authHeader)
	assertStatus(t, badResp, http.StatusBadRequest)
}

func TestTaskAccessRequiresMatchingUser(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedModel{}, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	otherID, _ := registerAndLogin(t, router)

	// no credentials at all
	resp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/tasks", userID), nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	// valid token for a different path user
	resp = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/tasks", otherID), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestChatCreatesTaskAndPersistsTurn(t *testing.T) {
	fake := &scriptedModel{
		responses: []*schema.Message{
			toolCallMessage("call-1", "create_task", `{"title":"Buy milk"}`),
			schema.AssistantMessage(`Added "Buy milk" to your list.`, nil),
		},
	}
	router, db, _ := newTestServer(t, fake, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	chatResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat", userID),
		map[string]any{"message": "remind me to buy milk"},
		authHeader)
	assertStatus(t, chatResp, http.StatusOK)

	var chatBody struct {
		Conversation struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"conversation"`
		CreatedConversation bool `json:"created_conversation"`
		AssistantMessage    struct {
			Content   string            `json:"content"`
			ToolCalls []models.ToolCall `json:"tool_calls"`
		} `json:"assistant_message"`
		ToolCalls []models.ToolCall `json:"tool_calls"`
	}
	decodeJSON(t, chatResp.Body.Bytes(), &chatBody)
	if !chatBody.CreatedConversation || chatBody.Conversation.ID <= 0 {
		t.Fatalf("expected fresh conversation, got %+v", chatBody)
	}
	if len(chatBody.ToolCalls) != 1 || chatBody.ToolCalls[0].Tool != "create_task" {
		t.Fatalf("expected create_task summary, got %+v", chatBody.ToolCalls)
	}
	if chatBody.AssistantMessage.Content == "" {
		t.Fatalf("expected assistant content")
	}

	// REST view agrees with what the model did
	listResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/tasks", userID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Tasks []models.Task `json:"tasks"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Tasks) != 1 || listBody.Tasks[0].Title != "Buy milk" {
		t.Fatalf("task not visible over REST: %+v", listBody.Tasks)
	}

	convResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/conversations", userID), nil, authHeader)
	assertStatus(t, convResp, http.StatusOK)
	var convBody struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &convBody)
	if len(convBody.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convBody.Conversations))
	}

	msgResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/conversations/%d/messages", userID, chatBody.Conversation.ID),
		nil, authHeader)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgBody.Messages))
	}
	if msgBody.Messages[0].Role != models.RoleUser || msgBody.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles in history: %+v", msgBody.Messages)
	}

	logResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/conversations/%d/tool-calls", userID, chatBody.Conversation.ID),
		nil, authHeader)
	assertStatus(t, logResp, http.StatusOK)
	var logBody struct {
		ToolCalls []models.ToolCallLog `json:"tool_calls"`
	}
	decodeJSON(t, logResp.Body.Bytes(), &logBody)
	if len(logBody.ToolCalls) != 1 || logBody.ToolCalls[0].ToolName != "create_task" {
		t.Fatalf("expected audit log entry, got %+v", logBody.ToolCalls)
	}
}

func TestChatStreamEmitsSSE(t *testing.T) {
	fake := &scriptedModel{
		responses: []*schema.Message{
			schema.AssistantMessage("Hello from the stream!", nil),
		},
	}
	router, db, _ := newTestServer(t, fake, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat/stream", userID),
		map[string]any{"message": "say hello"},
		authHeader)
	assertStatus(t, resp, http.StatusOK)

	events := parseSSE(t, resp.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected ack, stream and done events, got %#v", events)
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first event ack, got %s", events[0].Name)
	}
	var streamed strings.Builder
	for _, evt := range events[1 : len(events)-1] {
		if evt.Name != "stream" {
			t.Fatalf("expected stream event, got %s", evt.Name)
		}
		var payload struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(evt.Data), &payload)
		streamed.WriteString(payload.Content)
	}
	if streamed.String() != "Hello from the stream!" {
		t.Fatalf("chunks do not assemble the answer: %q", streamed.String())
	}
	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("expected done event, got %s", last.Name)
	}
	var donePayload struct {
		AssistantMessage struct {
			Content string `json:"content"`
		} `json:"assistant_message"`
	}
	decodeJSON(t, []byte(last.Data), &donePayload)
	if donePayload.AssistantMessage.Content != "Hello from the stream!" {
		t.Fatalf("done payload mismatch: %q", donePayload.AssistantMessage.Content)
	}
}

func TestChatProviderFailure(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedModel{}, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat", userID),
		map[string]any{"message": "hello"},
		authHeader)
	assertStatus(t, resp, http.StatusBadGateway)

	// nothing persisted from the failed turn
	convResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/conversations", userID), nil, authHeader)
	assertStatus(t, convResp, http.StatusOK)
	var convBody struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &convBody)
	if len(convBody.Conversations) != 0 {
		t.Fatalf("failed turn created a conversation")
	}
}

func TestChatValidation(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedModel{}, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat", userID),
		map[string]any{"message": "   "},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat", userID),
		map[string]any{"message": strings.Repeat("a", maxChatMessageLength+1)},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat", userID),
		map[string]any{"message": "hi", "conversation_id": 99999},
		authHeader)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestChatHonorsRequestDeadlineWhileQueued(t *testing.T) {
	router, db, handler := newTestServer(t, &scriptedModel{}, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	// park the user's serialization key so the chat turn stays queued
	release := make(chan struct{})
	defer close(release)
	if err := handler.dispatcher.Submit(worker.Job{Key: -userID, Run: func() { <-release }}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{"message": "hello"}); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/users/%d/chat", userID), &buf).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range authHeader {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusGatewayTimeout)
}

func TestCookieAuthRequiresCSRFToken(t *testing.T) {
	router, db, handler := newTestServer(t, &scriptedModel{}, 100)
	defer db.Close()

	username := fmt.Sprintf("cookie_%d", time.Now().UnixNano())
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	cookies := loginResp.Result().Cookies()

	csrfValue := ""
	for _, ck := range cookies {
		if ck.Name == handler.auth.CSRFCookieName() {
			csrfValue = ck.Value
		}
	}
	if csrfValue == "" {
		t.Fatalf("login did not set a csrf cookie")
	}

	send := func(csrfHeader string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(map[string]string{"title": "From cookies"}); err != nil {
			t.Fatalf("encode body: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/users/%d/tasks", regBody.ID), &buf)
		req.Header.Set("Content-Type", "application/json")
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		if csrfHeader != "" {
			req.Header.Set(handler.auth.CSRFHeaderName(), csrfHeader)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assertStatus(t, send(""), http.StatusForbidden)
	assertStatus(t, send("not-the-token"), http.StatusForbidden)
	assertStatus(t, send(csrfValue), http.StatusCreated)
}

func TestChatRateLimit(t *testing.T) {
	fake := &scriptedModel{
		responses: []*schema.Message{
			schema.AssistantMessage("ok", nil),
			schema.AssistantMessage("ok title", nil),
			schema.AssistantMessage("ok again", nil),
		},
	}
	router, db, _ := newTestServer(t, fake, 2)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	for i := 0; i < 2; i++ {
		resp := doJSONRequest(t, router, http.MethodPost,
			fmt.Sprintf("/api/users/%d/chat", userID),
			map[string]any{"message": fmt.Sprintf("hello %d", i)},
			authHeader)
		if resp.Code != http.StatusOK && resp.Code != http.StatusBadGateway {
			t.Fatalf("unexpected status %d on request %d: %s", resp.Code, i, resp.Body.String())
		}
	}

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat", userID),
		map[string]any{"message": "one too many"},
		authHeader)
	assertStatus(t, resp, http.StatusTooManyRequests)
}

func TestLogoutRevokesToken(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedModel{}, 100)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/logout", userID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	resp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/tasks", userID), nil, authHeader)
	assertStatus(t, resp, http.StatusUnauthorized)
}

// scriptedModel plays back fixed responses, failing like a dead provider
// once the script is exhausted.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*schema.Message
}

func (m *scriptedModel) next() (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil, errors.New("scripted model exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return m.next()
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	resp, err := m.next()
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) > 0 || len(resp.Content) < 2 {
		return schema.StreamReaderFromArray([]*schema.Message{resp}), nil
	}
	mid := len(resp.Content) / 2
	return schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: resp.Content[:mid]},
		{Role: schema.Assistant, Content: resp.Content[mid:]},
	}), nil
}

func (m *scriptedModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func toolCallMessage(id, name, arguments string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID: id,
			Function: schema.FunctionCall{
				Name:      name,
				Arguments: arguments,
			},
		}},
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T, fake *scriptedModel, rateLimit int) (*gin.Engine, *sql.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	storeSvc := store.NewService(db)
	taskSvc := tasks.NewService(db)
	authSvc := auth.NewService(db, nil, time.Hour)
	orch := orchestrator.NewService(storeSvc, taskSvc, fake, orchestrator.Config{
		TurnTimeout: 10 * time.Second,
	}, nil)
	dispatcher := worker.NewDispatcher(1, 2, 16, time.Minute)
	limiter := NewRateLimiter(nil, rateLimit, time.Minute, nil)
	handler := NewHandler(storeSvc, taskSvc, orch, authSvc, dispatcher, limiter, nil)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (payload %s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
	return regBody.ID, authHeader
}
