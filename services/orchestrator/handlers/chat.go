// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the Gin HTTP handlers for the orchestrator.
// Handlers parse and validate requests, delegate to the services layer,
// and map typed service errors onto HTTP status codes or SSE error
// events.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opendocqa/docassist/services/llm"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/observability"
	"github.com/opendocqa/docassist/services/orchestrator/security"
	"github.com/opendocqa/docassist/services/orchestrator/services"
)

// =============================================================================
// Struct Definition
// =============================================================================

// ChatHandler serves the synchronous chat endpoint.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type ChatHandler struct {
	chat         *services.ChatService
	defaultModel string
	tracer       trace.Tracer
}

// NewChatHandler creates a ChatHandler. Panics if chat is nil
// (programming error).
func NewChatHandler(chat *services.ChatService, defaultModel string) *ChatHandler {
	if chat == nil {
		panic("NewChatHandler: chat service must not be nil")
	}
	return &ChatHandler{
		chat:         chat,
		defaultModel: defaultModel,
		tracer:       otel.Tracer("docassist.orchestrator.handlers.chat"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatMessage answers a question synchronously.
//
// # Description
//
// Handles POST /v1/chat/:sessionId/message requests. Runs the full
// pipeline (authorize, retrieve, filter, generate, persist) and returns
// the complete answer in one response.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: datatypes.ChatMessageResponse with answer and sources
//   - 400 Bad Request: Invalid body, validation failure, or refused model
//   - 403 Forbidden: Confidentiality gate refused access
//   - 404 Not Found: Unknown session
//   - 500 Internal Server Error: Retrieval or persistence failure
//
// A model backend failure does not produce an error status; the answer
// carries an inline model error marker instead.
func (h *ChatHandler) HandleChatMessage(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatMessage
	sessionID := c.Param("sessionId")

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatMessage")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	var req datatypes.ChatMessageRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	req.EnsureDefaults(h.defaultModel)
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	}

	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("retrieval.mode", req.RetrievalMode),
	)

	resp, err := h.chat.Respond(ctx, sessionID, &req)
	if err != nil {
		span.RecordError(err)
		h.writeChatError(c, endpoint, sessionID, err)
		return
	}

	success = true
	span.SetStatus(codes.Ok, "chat completed")
	c.JSON(http.StatusOK, resp)
}

// writeChatError maps typed pipeline errors onto HTTP status codes.
func (h *ChatHandler) writeChatError(c *gin.Context, endpoint observability.Endpoint, sessionID string, err error) {
	var denied *security.AccessDeniedError
	var notAllowed *llm.ModelNotAllowedError

	switch {
	case errors.As(err, &denied):
		slog.Warn("Chat refused by confidentiality gate",
			"sessionId", sessionID,
			"model", denied.Model,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeAccessDenied)
		}
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{Error: denied.Error()})
	case errors.As(err, &notAllowed):
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeModelNotAllowed)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: notAllowed.Error()})
	case services.IsNotFound(err):
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeNotFound)
		}
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
	default:
		slog.Error("Chat request failed", "error", err, "sessionId", sessionID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to answer question"})
	}
}
