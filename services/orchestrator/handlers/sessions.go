// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/services"
	"github.com/opendocqa/docassist/services/orchestrator/store"
)

// historyPageSize caps how many turns the history endpoint returns.
const historyPageSize = 200

// =============================================================================
// Struct Definition
// =============================================================================

// SessionHandler serves the session administration endpoints.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type SessionHandler struct {
	store  *store.Store
	tracer trace.Tracer
}

// NewSessionHandler creates a SessionHandler. Panics if st is nil
// (programming error).
func NewSessionHandler(st *store.Store) *SessionHandler {
	if st == nil {
		panic("NewSessionHandler: store must not be nil")
	}
	return &SessionHandler{
		store:  st,
		tracer: otel.Tracer("docassist.orchestrator.handlers.sessions"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleCreateSession creates a new chat session.
//
// # Description
//
// Handles POST /v1/sessions requests. An empty body is accepted; the
// title defaults to a timestamped name.
//
// # Outputs
//
// HTTP Status:
//   - 201 Created: datatypes.SessionResponse
//   - 400 Bad Request: Title exceeds length limit
//   - 500 Internal Server Error: Store failure
func (h *SessionHandler) HandleCreateSession(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleCreateSession")
	defer span.End()

	var req datatypes.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
			return
		}
	}

	session, err := h.store.CreateSession(ctx, req.Title)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to create session", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to create session"})
		return
	}

	span.SetAttributes(attribute.String("session.id", session.ID))
	c.JSON(http.StatusCreated, toSessionResponse(session))
}

// HandleListSessions lists all sessions, most recently active first.
//
// Handles GET /v1/sessions requests.
func (h *SessionHandler) HandleListSessions(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListSessions")
	defer span.End()

	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to list sessions"})
		return
	}

	out := make([]datatypes.SessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	span.SetAttributes(attribute.Int("sessions.count", len(out)))
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// HandleSessionHistory returns the stored turns for one session in
// chronological order.
//
// Handles GET /v1/sessions/:sessionId/history requests. Returns 404 for
// unknown sessions.
func (h *SessionHandler) HandleSessionHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleSessionHistory")
	defer span.End()

	sessionID := c.Param("sessionId")
	span.SetAttributes(attribute.String("session.id", sessionID))

	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		if services.IsNotFound(err) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
			return
		}
		span.RecordError(err)
		slog.Error("Failed to load session", "error", err, "sessionId", sessionID)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load session"})
		return
	}

	messages, err := h.store.History(ctx, sessionID, historyPageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to load session history", "error", err, "sessionId", sessionID)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load history"})
		return
	}

	out := make([]datatypes.HistoryMessage, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		out = append(out, datatypes.HistoryMessage{
			Role:          msg.Role,
			Content:       msg.Content,
			Sources:       msg.SourceIDs(),
			Confidence:    msg.Confidence,
			Hallucination: msg.Hallucination,
			CreatedAt:     msg.CreatedAt.UnixMilli(),
		})
	}
	span.SetAttributes(attribute.Int("history.messages", len(out)))
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": out})
}

// HandleDeleteSession deletes a session and its messages.
//
// Handles DELETE /v1/sessions/:sessionId requests. Returns 404 for
// unknown sessions.
func (h *SessionHandler) HandleDeleteSession(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleDeleteSession")
	defer span.End()

	sessionID := c.Param("sessionId")
	span.SetAttributes(attribute.String("session.id", sessionID))

	if err := h.store.DeleteSession(ctx, sessionID); err != nil {
		if services.IsNotFound(err) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
			return
		}
		span.RecordError(err)
		slog.Error("Failed to delete session", "error", err, "sessionId", sessionID)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to delete session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "deleted": true})
}

// =============================================================================
// Helpers
// =============================================================================

func toSessionResponse(s *store.Session) datatypes.SessionResponse {
	return datatypes.SessionResponse{
		SessionID: s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt.UnixMilli(),
		UpdatedAt: s.UpdatedAt.UnixMilli(),
	}
}
