package sim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/weftlabs/weft/domain"
)

// Options configures the simulated backend.
type Options struct {
	// Token, when set, is required as a bearer token on the REST and
	// turn endpoints and in the feed hello frame.
	Token string

	Responder Responder
	Logger    *slog.Logger
}

// Server is the simulated backend: turn streaming, session REST and the
// websocket feed over one SQLite store.
type Server struct {
	store     *Store
	responder Responder
	hub       *Hub
	token     string
	logger    *slog.Logger
	echo      *echo.Echo

	locks sync.Map // session id -> *sync.Mutex
}

// NewServer wires the routes and the feed hub.
func NewServer(store *Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	responder := opts.Responder
	if responder == nil {
		responder = NewMockResponder()
	}

	s := &Server{
		store:     store,
		responder: responder,
		hub:       NewHub(store, opts.Token, logger),
		token:     opts.Token,
		logger:    logger,
		echo:      echo.New(),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.echo.POST("/v1/turns", s.handleTurn)
	s.echo.GET("/v1/sessions", s.handleListSessions)
	s.echo.POST("/v1/sessions", s.handleCreateSession)
	s.echo.DELETE("/v1/sessions/:session_id", s.handleDeleteSession)
	s.echo.GET("/v1/sessions/:session_id/messages", s.handleListMessages)
	s.echo.GET("/v1/feed", s.hub.HandleFeed)
	s.echo.GET("/healthz", s.handleHealth)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// wireError is the JSON error body shared by every endpoint.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeUnauthorized    = "unauthorized"
	codeInvalidRequest  = "invalid_request"
	codeUnknownSession  = "unknown_session"
	codeSessionLocked   = "session_locked"
	codeHistoryConflict = "history_conflict"
	codeResponderError  = "responder_error"
	codeInternal        = "internal_error"
)

func (s *Server) authorized(c echo.Context) bool {
	if s.token == "" {
		return true
	}
	return c.Request().Header.Get("Authorization") == "Bearer "+s.token
}

func (s *Server) lockFor(sessionID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// turnRequest is the turn endpoint's wire body.
type turnRequest struct {
	SessionID         string           `json:"session_id"`
	RequestID         string           `json:"request_id"`
	LatestUserMessage string           `json:"latest_user_message"`
	HistoryVersion    *int             `json:"history_version"`
	Messages          []domain.Message `json:"messages"`
}

func (s *Server) handleTurn(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, wireError{Code: codeUnauthorized, Message: "invalid token"})
	}

	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, wireError{Code: codeInvalidRequest, Message: "invalid request body"})
	}
	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, wireError{Code: codeInvalidRequest, Message: "session_id is required"})
	}
	if strings.TrimSpace(req.LatestUserMessage) == "" {
		return c.JSON(http.StatusBadRequest, wireError{Code: codeInvalidRequest, Message: "latest_user_message is required"})
	}

	// One turn per session at a time.
	lock := s.lockFor(req.SessionID)
	if !lock.TryLock() {
		return c.JSON(http.StatusConflict, wireError{Code: codeSessionLocked, Message: "session has a turn in flight"})
	}
	defer lock.Unlock()

	ctx := c.Request().Context()

	exists, err := s.store.SessionExists(ctx, req.SessionID)
	if err != nil {
		s.logger.Error("failed to check session", "session_id", req.SessionID, "error", err)
		return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
	}
	if !exists {
		sess := domain.Session{
			SessionID:     req.SessionID,
			Title:         deriveTitle(req.LatestUserMessage),
			LastMessageAt: time.Now(),
		}
		if err := s.store.CreateSession(ctx, sess); err != nil {
			s.logger.Error("failed to create session", "session_id", req.SessionID, "error", err)
			return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
		}
	}

	// The client's view of history must match ours before the turn
	// appends to it.
	if req.HistoryVersion != nil {
		count, err := s.store.MessageCount(ctx, req.SessionID)
		if err != nil {
			s.logger.Error("failed to count messages", "session_id", req.SessionID, "error", err)
			return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
		}
		if count != *req.HistoryVersion {
			return c.JSON(http.StatusConflict, wireError{
				Code:    codeHistoryConflict,
				Message: fmt.Sprintf("history version %d is stale, server has %d messages", *req.HistoryVersion, count),
			})
		}
	}

	userMsg := domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		Role:      domain.RoleUser,
		Content:   domain.TextContent(req.LatestUserMessage),
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, req.SessionID, userMsg); err != nil {
		s.logger.Error("failed to append user message", "session_id", req.SessionID, "error", err)
		return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
	}

	s.streamReply(c, req)

	// Feed pushes survive a vanished turn client.
	bg := context.Background()
	s.hub.BroadcastSessions(bg)
	s.hub.BroadcastTranscript(bg, req.SessionID)
	return nil
}

// streamReply runs the responder and serves its output as SSE frames.
func (s *Server) streamReply(c echo.Context, req turnRequest) {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	em := &sseEmitter{
		resp:     resp,
		streamID: "st_" + uuid.New().String()[:8],
	}
	startedAt := time.Now()
	em.event(domain.EventStreamStart, domain.StartPayload{
		UserMessage: req.LatestUserMessage,
		Model:       s.responder.Model(),
	})

	ctx := c.Request().Context()
	info, err := s.responder.Respond(ctx, ResponderRequest{
		SessionID:   req.SessionID,
		UserMessage: req.LatestUserMessage,
		History:     req.Messages,
	}, em)
	if err != nil {
		if em.writeErr != nil {
			s.logger.Warn("turn client went away mid-stream", "session_id", req.SessionID, "error", em.writeErr)
			return
		}
		s.logger.Warn("responder failed", "session_id", req.SessionID, "error", err)
		em.event(domain.EventStreamError, domain.ErrorPayload{
			Code:    codeResponderError,
			Message: err.Error(),
		})
		return
	}

	em.event(domain.EventStreamFinish, domain.FinishPayload{
		FinalContent: info.FinalContent,
		Usage:        info.Usage,
	})

	assistant := domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		Role:      domain.RoleAssistant,
		Content:   em.assistantContent(info.FinalContent),
		Metrics: &domain.TurnMetrics{
			ElapsedMs:  time.Since(startedAt).Milliseconds(),
			DeltaCount: em.deltas,
			Model:      info.Model,
		},
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(context.Background(), req.SessionID, assistant); err != nil {
		s.logger.Error("failed to append assistant message", "session_id", req.SessionID, "error", err)
	}
}

// sseEmitter streams responder output as server-sent events and
// collects the parts of the assistant message being built.
type sseEmitter struct {
	resp     *echo.Response
	streamID string
	order    int64
	deltas   int
	parts    []domain.Part
	writeErr error
}

func (e *sseEmitter) event(t domain.EventType, payload any) error {
	if e.writeErr != nil {
		return e.writeErr
	}
	ev := domain.StreamEvent{
		StreamID: e.streamID,
		Type:     t,
		Order:    e.order,
		Ts:       time.Now().UnixMilli(),
		Payload:  domain.MustPayload(payload),
	}
	e.order++

	data, err := json.Marshal(ev)
	if err != nil {
		e.writeErr = err
		return err
	}
	if _, err := fmt.Fprintf(e.resp, "event: %s\ndata: %s\n\n", t, data); err != nil {
		e.writeErr = err
		return err
	}
	e.resp.Flush()
	return nil
}

func (e *sseEmitter) Delta(text string) error {
	e.deltas++
	return e.event(domain.EventTextDelta, domain.DeltaPayload{Text: text})
}

func (e *sseEmitter) Tool(call ToolExchange) error {
	id := "tc_" + uuid.New().String()[:8]
	if err := e.event(domain.EventToolCall, domain.ToolCallPayload{
		ToolCallID: id,
		ToolName:   call.Name,
		Title:      call.Title,
		Input:      call.Input,
	}); err != nil {
		return err
	}
	if err := e.event(domain.EventToolResult, domain.ToolResultPayload{
		ToolCallID: id,
		OK:         call.Err == "",
		Output:     call.Output,
		Error:      call.Err,
	}); err != nil {
		return err
	}
	e.parts = append(e.parts,
		domain.Part{Type: domain.PartToolCall, ToolCallID: id, ToolName: call.Name, Input: call.Input},
		domain.Part{Type: domain.PartToolResult, ToolCallID: id, ToolName: call.Name, Output: call.Output, Err: call.Err},
	)
	return nil
}

// assistantContent picks the body shape: typed parts when tools ran,
// flat text otherwise.
func (e *sseEmitter) assistantContent(finalText string) domain.Content {
	if len(e.parts) == 0 {
		return domain.TextContent(finalText)
	}
	parts := append([]domain.Part{}, e.parts...)
	if finalText != "" {
		parts = append(parts, domain.Part{Type: domain.PartText, Text: finalText})
	}
	return domain.PartsContent(parts)
}

// createSessionRequest is the session-create wire body. A missing
// session_id is minted server side.
type createSessionRequest struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	IsDefault bool   `json:"is_default"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, wireError{Code: codeUnauthorized, Message: "invalid token"})
	}

	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, wireError{Code: codeInvalidRequest, Message: "invalid request body"})
	}
	if req.SessionID == "" {
		req.SessionID = "sess_" + uuid.New().String()[:8]
	}

	sess := domain.Session{
		SessionID:     req.SessionID,
		Title:         req.Title,
		IsDefault:     req.IsDefault,
		LastMessageAt: time.Now(),
	}
	if err := s.store.CreateSession(c.Request().Context(), sess); err != nil {
		s.logger.Error("failed to create session", "session_id", req.SessionID, "error", err)
		return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
	}

	s.hub.BroadcastSessions(context.Background())
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, wireError{Code: codeUnauthorized, Message: "invalid token"})
	}
	sessions, err := s.store.Sessions(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, wireError{Code: codeUnauthorized, Message: "invalid token"})
	}
	sessionID := c.Param("session_id")
	if err := s.store.DeleteSession(c.Request().Context(), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusNotFound, wireError{Code: codeUnknownSession, Message: "no such session: " + sessionID})
		}
		s.logger.Error("failed to delete session", "session_id", sessionID, "error", err)
		return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
	}

	s.hub.BroadcastSessions(context.Background())
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListMessages(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, wireError{Code: codeUnauthorized, Message: "invalid token"})
	}
	sessionID := c.Param("session_id")
	ctx := c.Request().Context()

	exists, err := s.store.SessionExists(ctx, sessionID)
	if err != nil {
		s.logger.Error("failed to check session", "session_id", sessionID, "error", err)
		return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
	}
	if !exists {
		return c.JSON(http.StatusNotFound, wireError{Code: codeUnknownSession, Message: "no such session: " + sessionID})
	}

	msgs, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		s.logger.Error("failed to load messages", "session_id", sessionID, "error", err)
		return c.JSON(http.StatusInternalServerError, wireError{Code: codeInternal, Message: "storage failure"})
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// deriveTitle names an implicitly created session after its first
// utterance.
func deriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) > 48 {
		return string(runes[:48]) + "..."
	}
	return title
}
