// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
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
// Constants
// =============================================================================

// heartbeatInterval is the interval for sending keepalive pings.
// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler defines the contract for handling streaming chat
// HTTP requests.
//
// # Description
//
// StreamingChatHandler abstracts the SSE chat endpoint, enabling different
// implementations and facilitating testing via mocks.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// HTTP handlers are called concurrently by the Gin framework.
//
// # Assumptions
//
//   - All dependencies are properly initialized before handler use
//   - Client supports SSE (EventSource or similar)
type StreamingChatHandler interface {
	// HandleChatStream processes a chat question with SSE streaming.
	//
	// # Description
	//
	// Handles POST /v1/chat/:sessionId/stream requests. Retrieves context
	// from the vector database, then streams the model response via
	// Server-Sent Events.
	//
	// # Outputs
	//
	// SSE stream with events, in order:
	//   - status: "Searching knowledge base..."
	//   - sources: Retrieved documents with distances
	//   - status: "Generating response..."
	//   - chunk: Answer text chunks
	//   - metadata: Turn summary (complexity, budget, model)
	//   - done: Stream completion with session ID
	//
	// A turn refused during preparation (unknown session, disallowed
	// model, denied documents) streams exactly one event: the error.
	// A generation failure after chunks were sent persists the partial
	// answer before the error event closes the stream.
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// streamingChatHandler implements StreamingChatHandler for production use.
//
// # Description
//
// streamingChatHandler coordinates between the HTTP layer and the chat
// service. It performs HTTP-related tasks and delegates the pipeline to
// the injected ChatService:
//   - Request parsing and validation
//   - SSE header configuration
//   - Stream event emission in the contract order
//   - Error handling and cleanup
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction. No shared
// mutable state between requests.
type streamingChatHandler struct {
	chat         *services.ChatService
	defaultModel string
	tracer       trace.Tracer
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamingChatHandler creates a StreamingChatHandler with the provided
// dependencies. Panics if chat is nil (programming error).
func NewStreamingChatHandler(chat *services.ChatService, defaultModel string) StreamingChatHandler {
	if chat == nil {
		panic("NewStreamingChatHandler: chat service must not be nil")
	}
	return &streamingChatHandler{
		chat:         chat,
		defaultModel: defaultModel,
		tracer:       otel.Tracer("docassist.orchestrator.handlers.chat_streaming"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes a chat question with SSE streaming.
//
// # Description
//
// The flow is:
//  1. Parse and validate the request body
//  2. Set SSE headers and create the writer
//  3. Start heartbeat
//  4. Prepare the turn (authorize model, retrieve and filter context)
//  5. Emit status event for retrieval
//  6. Emit sources event
//  7. Emit status event for generation
//  8. Stream answer chunks from the model
//  9. Persist the turn and emit metadata
//  10. Emit done event with session ID
//
// # Outputs
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid request body or validation failure
//   - 500 Internal Server Error: SSE setup failure
//
// Failures after the stream has started (unknown session, refused model,
// retrieval or generation errors) are reported as a single SSE error
// event, not an HTTP status.
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream
	sessionID := c.Param("sessionId")

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, duration, success)
		}
	}()

	// Step 1: Parse and validate request body
	var req datatypes.ChatMessageRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse streaming chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults(h.defaultModel)
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Streaming request validation failed", "error", err, "sessionId", sessionID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("retrieval.mode", req.RetrievalMode),
		attribute.Int("request.selected_documents", len(req.SelectedDocumentIDs)),
	)

	// Step 2: Set SSE headers and create writer
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err, "sessionId", sessionID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// Step 3: Start heartbeat. Keepalives are SSE comments, not
	// events, so they may precede the first event.
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, sseWriter, endpoint, heartbeatDone)

	// Step 4: Prepare the turn (session lookup, model authorization,
	// retrieval, confidentiality filter). No event precedes this; a
	// refused turn must stream exactly one error event and nothing
	// else.
	turn, err := h.chat.PrepareTurn(ctx, sessionID, &req)
	if err != nil {
		close(heartbeatDone)
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn preparation failed")
		h.writePreparationError(sseWriter, endpoint, sessionID, err)
		return
	}

	span.SetAttributes(
		attribute.Int("retrieval.chunks_requested", turn.ChunksRequested),
		attribute.Int("retrieval.chunks_used", turn.ChunksUsed),
	)

	// Step 5: Emit status event for retrieval
	if err := sseWriter.WriteStatus("Searching knowledge base..."); err != nil {
		close(heartbeatDone)
		span.RecordError(err)
		slog.Error("Failed to write retrieval status event", "error", err, "sessionId", sessionID)
		return
	}

	// Step 6: Emit sources event
	if err := sseWriter.WriteSources(turn.Sources(), turn.AnalysisSummary()); err != nil {
		close(heartbeatDone)
		span.RecordError(err)
		slog.Error("Failed to write sources event", "error", err, "sessionId", sessionID)
		return
	}

	// Step 7: Emit status event for generation
	if err := sseWriter.WriteStatus("Generating response..."); err != nil {
		close(heartbeatDone)
		span.RecordError(err)
		slog.Error("Failed to write generation status event", "error", err, "sessionId", sessionID)
		return
	}

	// Step 8: Stream answer chunks
	var chunkCount int32
	firstChunkTime := time.Time{}
	answer, streamErr := h.chat.GenerateStream(ctx, turn, func(token string) error {
		if atomic.AddInt32(&chunkCount, 1) == 1 {
			firstChunkTime = time.Now()
		}
		return sseWriter.WriteChunk(token)
	})

	close(heartbeatDone)

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "model streaming failed")
		span.SetAttributes(attribute.Int("stream.chunk_count", int(chunkCount)))
		slog.Error("Model streaming failed",
			"error", streamErr,
			"sessionId", sessionID,
			"chunkCount", chunkCount,
		)

		if errors.Is(streamErr, context.Canceled) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(endpoint)
			}
		} else if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		// Chunks already reached the client, so the partial answer is
		// part of the conversation and must survive the failure. The
		// detached context keeps persistence alive past a disconnect.
		// Before the first chunk nothing is persisted; only the user
		// message from turn preparation remains.
		if chunkCount > 0 {
			h.chat.CompleteTurn(context.WithoutCancel(ctx), turn, answer)
		}
		_ = sseWriter.WriteError("Model generation failed")
		return
	}

	if !firstChunkTime.IsZero() {
		ttfc := firstChunkTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_chunk_seconds", ttfc))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstChunk(endpoint, ttfc)
		}
	}
	span.SetAttributes(attribute.Int("stream.chunk_count", int(chunkCount)))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(int(chunkCount), turn.Model)
	}

	// Step 9: Persist the turn and emit metadata with the scored answer
	resp := h.chat.CompleteTurn(ctx, turn, answer)
	if err := sseWriter.WriteMetadata(turn.Metadata(resp)); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write metadata event", "error", err, "sessionId", sessionID)
		return
	}

	// Step 10: Emit done event with session ID
	if err := sseWriter.WriteDone(sessionID); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event", "error", err, "sessionId", sessionID)
		return
	}

	success = true
	span.SetStatus(codes.Ok, "stream completed successfully")
}

// =============================================================================
// Helpers
// =============================================================================

// writePreparationError maps a turn preparation failure onto exactly one
// SSE error event. Access denials and model rejections carry messages
// written for the user; everything else is sanitized.
func (h *streamingChatHandler) writePreparationError(w SSEWriter, endpoint observability.Endpoint, sessionID string, err error) {
	var denied *security.AccessDeniedError
	var notAllowed *llm.ModelNotAllowedError

	switch {
	case errors.As(err, &denied):
		slog.Warn("Streaming chat refused by confidentiality gate",
			"sessionId", sessionID,
			"model", denied.Model,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeAccessDenied)
		}
		_ = w.WriteError(denied.Error())
	case errors.As(err, &notAllowed):
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeModelNotAllowed)
		}
		_ = w.WriteError(notAllowed.Error())
	case services.IsNotFound(err):
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeNotFound)
		}
		_ = w.WriteError("Session not found")
	default:
		slog.Error("Turn preparation failed", "error", err, "sessionId", sessionID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeRetrievalError)
		}
		_ = w.WriteError("Failed to retrieve context")
	}
}

// runHeartbeat sends keepalive pings until done is closed or the request
// context is cancelled.
func (h *streamingChatHandler) runHeartbeat(ctx context.Context, w SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				slog.Debug("Keepalive write failed, client likely disconnected", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamingChatHandler = (*streamingChatHandler)(nil)
