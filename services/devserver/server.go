// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatstream"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
	"github.com/udit0x/agentic-rag-sub000/pkg/observability"
)

// Endpoint labels for request metrics.
const (
	EndpointChatStream = "chat_stream"
	EndpointSessions   = "sessions"
	EndpointHistory    = "history"
	EndpointDelete     = "delete"
)

// Config controls how the server streams.
type Config struct {
	// ChunkDelay is the pause before each answer chunk.
	ChunkDelay time.Duration

	// OmitRefinement suppresses refinement frames.
	OmitRefinement bool

	// InjectMalformedFrame writes one undecodable token frame before the
	// answer.
	InjectMalformedFrame bool

	// ServiceName is reported by otelgin. Default "ragchat-devserver".
	ServiceName string

	Logger  *logging.Logger
	Metrics *observability.ServerMetrics

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Server serves the chat backend API over gin.
type Server struct {
	backend  *Backend
	answerer Answerer
	cfg      Config
	logger   *logging.Logger
	tracer   trace.Tracer
}

// NewServer creates a Server. A nil answerer means EchoAnswerer.
func NewServer(backend *Backend, answerer Answerer, cfg Config) *Server {
	if answerer == nil {
		answerer = EchoAnswerer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ragchat-devserver"
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Server{
		backend:  backend,
		answerer: answerer,
		cfg:      cfg,
		logger:   cfg.Logger,
		tracer:   tp.Tracer("ragchat.devserver"),
	}
}

// Router builds the gin engine. gatherer may be nil, in which case
// /metrics is not mounted.
func (s *Server) Router(gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.ServiceName, otelgin.WithTracerProvider(s.tracerProvider())))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(observability.Handler(gatherer)))
	}

	api := router.Group("/api")
	{
		api.POST("/chat/stream", s.HandleChatStream)
		sessions := api.Group("/sessions")
		{
			sessions.GET("", s.HandleListSessions)
			sessions.GET("/:sessionId/messages", s.HandleHistory)
			sessions.DELETE("/:sessionId", s.HandleDelete)
		}
	}
	return router
}

func (s *Server) tracerProvider() trace.TracerProvider {
	if s.cfg.TracerProvider != nil {
		return s.cfg.TracerProvider
	}
	return otel.GetTracerProvider()
}

// =============================================================================
// Session Endpoints
// =============================================================================

// HandleListSessions serves GET /api/sessions.
func (s *Server) HandleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.backend.List()})
	s.cfg.Metrics.RecordRequest(EndpointSessions, true)
}

// HandleHistory serves GET /api/sessions/:sessionId/messages.
func (s *Server) HandleHistory(c *gin.Context) {
	id := c.Param("sessionId")
	msgs, ok := s.backend.History(id)
	if !ok {
		s.logger.Debug("history requested for unknown session", "session_id", id)
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		s.cfg.Metrics.RecordRequest(EndpointHistory, false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
	s.cfg.Metrics.RecordRequest(EndpointHistory, true)
}

// HandleDelete serves DELETE /api/sessions/:sessionId.
func (s *Server) HandleDelete(c *gin.Context) {
	id := c.Param("sessionId")
	if !s.backend.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		s.cfg.Metrics.RecordRequest(EndpointDelete, false)
		return
	}
	s.logger.Info("session deleted", "session_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
	s.cfg.Metrics.RecordRequest(EndpointDelete, true)
}

// =============================================================================
// Chat Stream
// =============================================================================

// ChatStreamRequest is the body of POST /api/chat/stream.
type ChatStreamRequest struct {
	Message         string   `json:"message" binding:"required"`
	SessionID       string   `json:"sessionId"`
	ClientSessionID string   `json:"clientSessionId"`
	DocumentIDs     []string `json:"documentIds"`
}

// HandleChatStream serves POST /api/chat/stream.
//
// # Description
//
// Frames are written in this order: keep-alive comment, started, token
// chunks (with a refinement frame after the first chunk), completion, and
// title_update for a session created by this request. An Answerer failure
// is reported as an error frame after started.
//
// # HTTP Status
//
//   - 400: Body missing or message empty.
//   - 200: Stream opened. Later failures arrive as error frames.
func (s *Server) HandleChatStream(c *gin.Context) {
	start := time.Now()
	ctx, span := s.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	success := false
	defer func() { s.cfg.Metrics.RecordRequest(EndpointChatStream, success) }()

	var req ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		if err == nil {
			err = errors.New("message is blank")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		s.logger.Warn("invalid chat stream request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	prior, _ := s.backend.History(req.SessionID)
	sessionID, userMsg, created := s.backend.BeginTurn(req.SessionID, req.Message)
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.client_id", req.ClientSessionID),
		attribute.Bool("session.created", created),
	)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	w, err := NewSSEWriter(c.Writer, s.cfg.Metrics)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("failed to create SSE writer", "error", err)
		return
	}

	if err := s.stream(ctx, w, req, sessionID, userMsg, prior, created); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		if errors.Is(err, context.Canceled) || c.Request.Context().Err() != nil {
			s.cfg.Metrics.RecordClientDisconnect()
			s.logger.Info("client disconnected", "session_id", sessionID)
		} else {
			s.logger.Warn("stream failed", "session_id", sessionID, "error", err)
		}
		return
	}

	success = true
	s.logger.Info("stream completed",
		"session_id", sessionID,
		"created", created,
		"duration_ms", time.Since(start).Milliseconds())
}

// errAnswerFailed marks a failure already reported to the client as a frame.
var errAnswerFailed = errors.New("answer failed")

func (s *Server) stream(ctx context.Context, w SSEWriter, req ChatStreamRequest, sessionID string,
	userMsg chatcache.Message, prior []chatcache.Message, created bool) error {

	if err := w.WriteKeepAlive(); err != nil {
		return err
	}
	if err := w.WriteStarted(sessionID, userMsg.ID); err != nil {
		return err
	}

	answerStart := time.Now()
	answer, err := s.answerer.Answer(ctx, req.Message, prior)
	if err != nil {
		if werr := w.WriteError(err.Error()); werr != nil {
			return werr
		}
		return errors.Join(errAnswerFailed, err)
	}

	if s.cfg.InjectMalformedFrame {
		if err := w.WriteRaw(chatstream.TypeToken, "{not json"); err != nil {
			return err
		}
	}

	assistantID := uuid.NewString()
	pieces := strings.SplitAfter(answer.Text, " ")
	for i, piece := range pieces {
		if err := s.pause(ctx); err != nil {
			return err
		}
		if err := w.WriteToken(assistantID, piece); err != nil {
			return err
		}
		if i == 0 && !s.cfg.OmitRefinement && len(answer.RefinedQueries) > 0 {
			if err := w.WriteRefinement(userMsg.ID, answer.RefinedQueries); err != nil {
				return err
			}
		}
	}

	elapsed := time.Since(answerStart).Milliseconds()
	tokens := len(pieces)
	seq := len(prior) + 1
	text := answer.Text
	completion := chatstream.CompletionPayload{
		MessageID:       assistantID,
		UserMessageID:   userMsg.ID,
		Answer:          &text,
		Sources:         answer.Sources,
		Classification:  answer.Classification,
		AgentTraces:     answer.AgentTraces,
		ExecutionTimeMs: &elapsed,
		ResponseType:    "answer",
		TokenCount:      &tokens,
		SequenceNumber:  &seq,
		ParentMessageID: userMsg.ID,
	}
	if err := w.WriteCompletion(completion); err != nil {
		return err
	}

	s.backend.CompleteTurn(sessionID, chatcache.Message{
		ID:              assistantID,
		Role:            chatcache.RoleAssistant,
		Content:         text,
		CreatedAt:       time.Now(),
		Sources:         answer.Sources,
		Classification:  answer.Classification,
		AgentTraces:     answer.AgentTraces,
		ExecutionTimeMs: &elapsed,
		ResponseType:    "answer",
		TokenCount:      &tokens,
		SequenceNumber:  &seq,
		ParentMessageID: userMsg.ID,
	})

	if created {
		title := titleFor(req.Message)
		s.backend.SetTitle(sessionID, title)
		if err := w.WriteTitleUpdate(title); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pause(ctx context.Context) error {
	if s.cfg.ChunkDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.cfg.ChunkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
