package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskflow/internal/auth"
	"taskflow/internal/models"
	"taskflow/internal/service/orchestrator"
	"taskflow/internal/service/store"
	"taskflow/internal/service/tasks"
	"taskflow/internal/worker"
)

// Handler wires HTTP routes to the chat orchestrator and task services.
type Handler struct {
	store        *store.Service
	tasks        *tasks.Service
	orchestrator *orchestrator.Service
	auth         *auth.Service
	dispatcher   *worker.Dispatcher
	limiter      *RateLimiter
	logger       *logrus.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(storeSvc *store.Service, taskSvc *tasks.Service, orch *orchestrator.Service, authSvc *auth.Service, dispatcher *worker.Dispatcher, limiter *RateLimiter, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		store:        storeSvc,
		tasks:        taskSvc,
		orchestrator: orch,
		auth:         authSvc,
		dispatcher:   dispatcher,
		limiter:      limiter,
		logger:       logger,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/chat", h.limiter.Middleware(), h.chat)
	userRoutes.POST("/chat/stream", h.limiter.Middleware(), h.chatStream)
	userRoutes.GET("/conversations", h.listConversations)
	userRoutes.GET("/conversations/:conversation_id/messages", h.getConversationMessages)
	userRoutes.GET("/conversations/:conversation_id/tool-calls", h.listToolCalls)
	userRoutes.GET("/tasks", h.listTasks)
	userRoutes.POST("/tasks", h.createTask)
	userRoutes.GET("/tasks/:task_id", h.getTask)
	userRoutes.PATCH("/tasks/:task_id", h.updateTask)
	userRoutes.DELETE("/tasks/:task_id", h.deleteTask)
	userRoutes.POST("/tasks/:task_id/toggle", h.toggleTask)
	userRoutes.POST("/logout", h.logoutUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.store.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.store.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// Chat interface

// maxChatMessageLength caps a single inbound chat message; stored message
// rows allow more so tool-heavy assistant turns still fit.
const maxChatMessageLength = 2000

type chatRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

type turnOutcome struct {
	result *orchestrator.TurnResult
	err    error
}

// runTurn pushes the turn through the dispatcher so turns of the same
// conversation execute one at a time, and waits for the outcome.
func (h *Handler) runTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error) {
	key := req.ConversationID
	if key <= 0 {
		// new conversations have no turn to collide with; serialize them
		// per user so first-turn title writes cannot race
		key = -req.UserID
	}
	done := make(chan turnOutcome, 1)
	err := h.dispatcher.Submit(worker.Job{
		Key: key,
		Run: func() {
			result, runErr := h.orchestrator.RunTurn(ctx, req)
			done <- turnOutcome{result: result, err: runErr}
		},
	})
	if err != nil {
		return nil, err
	}
	// the job may still be queued behind other turns; honor the request
	// deadline instead of parking the handler on a stalled pool
	select {
	case outcome := <-done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) bindChatRequest(c *gin.Context) (*chatRequest, int64, bool) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return nil, 0, false
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, 0, false
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id cannot be negative"})
		return nil, 0, false
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return nil, 0, false
	}
	if utf8.RuneCountInString(req.Message) > maxChatMessageLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("message exceeds %d characters", maxChatMessageLength)})
		return nil, 0, false
	}
	return &req, userID, true
}

func (h *Handler) chat(c *gin.Context) {
	req, userID, ok := h.bindChatRequest(c)
	if !ok {
		return
	}
	result, err := h.runTurn(c.Request.Context(), orchestrator.TurnRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		status, msg := chatErrorResponse(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, turnPayload(result))
}

func (h *Handler) chatStream(c *gin.Context) {
	req, userID, ok := h.bindChatRequest(c)
	if !ok {
		return
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("ack", gin.H{
		"conversation_id": req.ConversationID,
		"message":         req.Message,
	}); err != nil {
		return
	}

	// the chunk callback runs on a worker goroutine; the handler goroutine
	// is parked on the outcome until the turn finishes, so writes to the
	// response never interleave
	result, err := h.runTurn(c.Request.Context(), orchestrator.TurnRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		ChunkFn: func(chunk string) error {
			return sendEvent("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrStreamInterrupted) {
			// the client disconnected; nobody is left to read an error event
			return
		}
		_, msg := chatErrorResponse(err)
		_ = sendEvent("error", gin.H{"message": msg})
		return
	}
	_ = sendEvent("done", turnPayload(result))
}

func turnPayload(result *orchestrator.TurnResult) gin.H {
	toolCalls := result.ToolCalls
	if toolCalls == nil {
		toolCalls = make([]models.ToolCall, 0)
	}
	return gin.H{
		"conversation":         result.Conversation,
		"created_conversation": result.CreatedNew,
		"user_message":         result.UserMessage,
		"assistant_message":    result.AssistantMessage,
		"tool_calls":           toolCalls,
	}
}

func chatErrorResponse(err error) (int, string) {
	var vErr *tasks.ValidationError
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrMessageTooLong), errors.As(err, &vErr):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, orchestrator.ErrTurnTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "the assistant took too long to respond, please retry"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "request was cancelled"
	case errors.Is(err, orchestrator.ErrProvider):
		return http.StatusBadGateway, "the assistant is temporarily unavailable, please retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// Conversation read interface
func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversations, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) conversationIDParam(c *gin.Context) (int64, bool) {
	conversationID, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return conversationID, true
}

func (h *Handler) getConversationMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationIDParam(c)
	if !ok {
		return
	}
	conversation, messages, err := h.store.GetConversationWithMessages(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conversation,
		"messages":     messages,
	})
}

func (h *Handler) listToolCalls(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationIDParam(c)
	if !ok {
		return
	}
	logs, err := h.store.ListToolCallLogs(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": logs})
}

// Task REST interface
type taskWriteRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (h *Handler) taskIDParam(c *gin.Context) (int64, bool) {
	taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil || taskID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return taskID, true
}

func taskError(c *gin.Context, err error) {
	var vErr *tasks.ValidationError
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) listTasks(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.tasks.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}

func (h *Handler) createTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req taskWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title := ""
	if req.Title != nil {
		title = *req.Title
	}
	description := ""
	if req.Description != nil {
		description = *req.Description
	}
	task, err := h.tasks.Create(c.Request.Context(), userID, title, description)
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) getTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.taskIDParam(c)
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), userID, taskID)
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) updateTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.taskIDParam(c)
	if !ok {
		return
	}
	var req taskWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	task, err := h.tasks.Update(c.Request.Context(), userID, taskID, req.Title, req.Description)
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) deleteTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.taskIDParam(c)
	if !ok {
		return
	}
	if err := h.tasks.Delete(c.Request.Context(), userID, taskID); err != nil {
		taskError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) toggleTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	taskID, ok := h.taskIDParam(c)
	if !ok {
		return
	}
	task, err := h.tasks.ToggleComplete(c.Request.Context(), userID, taskID)
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
