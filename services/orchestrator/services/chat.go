// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services holds the business logic between the HTTP handlers
// and the retrieval, security, and model layers. Services take their
// dependencies through constructors and accept context on every
// operation.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opendocqa/docassist/services/llm"
	"github.com/opendocqa/docassist/services/orchestrator/analysis"
	"github.com/opendocqa/docassist/services/orchestrator/conversation"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/retrieval"
	"github.com/opendocqa/docassist/services/orchestrator/store"
)

var chatTracer = otel.Tracer("docassist.orchestrator.services.chat")

// defaultHistoryLimit bounds how many prior turns feed the prompt.
const defaultHistoryLimit = 20

// =============================================================================
// Interfaces
// =============================================================================

// SessionStore is the slice of the relational store the chat service
// needs.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	History(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error)
	AppendMessage(ctx context.Context, sessionID, role, content string, sources []string, confidence, hallucination *float64) error
}

// Retriever fetches context fragments for a question.
type Retriever interface {
	Retrieve(ctx context.Context, question, mode string, selectedIDs []string) (*retrieval.Result, error)
}

// Gate enforces the confidentiality boundary.
type Gate interface {
	Authorize(ctx context.Context, model string, selectedIDs []string) error
	Filter(fragments []datatypes.Fragment, model string) []datatypes.Fragment
}

// ModelRegistry resolves model names to backends.
type ModelRegistry interface {
	Resolve(name string) (llm.LLMClient, error)
}

// Scorer rates a finished answer. Implementations may return nil for
// either score when no rating is available.
type Scorer interface {
	ScoreConfidence(answer string, fragments []datatypes.Fragment) *float64
	ScoreHallucination(answer string, fragments []datatypes.Fragment) *float64
}

// UnscoredScorer is the default Scorer; it rates nothing.
type UnscoredScorer struct{}

func (UnscoredScorer) ScoreConfidence(string, []datatypes.Fragment) *float64 {
	return nil
}

func (UnscoredScorer) ScoreHallucination(string, []datatypes.Fragment) *float64 {
	return nil
}

// =============================================================================
// Turn Context
// =============================================================================

// TurnContext carries everything prepared for one answered question:
// the authorized model, the filtered fragments, and the final prompt.
type TurnContext struct {
	SessionID string
	Question  string
	Model     string
	Prompt    string
	Fragments []datatypes.Fragment
	Analysis  analysis.Analysis
	// ChunksRequested is the retrieval budget; ChunksUsed is what
	// survived retrieval and the confidentiality filter.
	ChunksRequested int
	ChunksUsed      int

	client llm.LLMClient
}

// Sources lists one entry per fragment behind the answer, in
// retrieval order. The list is deliberately not deduplicated; a
// document contributing several fragments appears once per fragment.
func (tc *TurnContext) Sources() []datatypes.SourceInfo {
	sources := make([]datatypes.SourceInfo, 0, len(tc.Fragments))
	for _, frag := range tc.Fragments {
		sources = append(sources, datatypes.SourceInfo{
			DocumentID:      frag.DocumentID,
			Source:          frag.Source,
			ChunkIndex:      frag.ChunkIndex,
			Content:         frag.Content,
			Confidentiality: frag.Confidentiality,
			Distance:        frag.Distance,
		})
	}
	return sources
}

// SourceDocumentIDs lists the distinct documents behind the
// fragments, in first-seen order. Persistence records documents, not
// fragments.
func (tc *TurnContext) SourceDocumentIDs() []string {
	seen := make(map[string]struct{}, len(tc.Fragments))
	ids := make([]string, 0, len(tc.Fragments))
	for _, frag := range tc.Fragments {
		if frag.DocumentID == "" {
			continue
		}
		if _, ok := seen[frag.DocumentID]; ok {
			continue
		}
		seen[frag.DocumentID] = struct{}{}
		ids = append(ids, frag.DocumentID)
	}
	return ids
}

// AnalysisSummary classifies the question for the sources event.
func (tc *TurnContext) AnalysisSummary() *datatypes.AnalysisSummary {
	return &datatypes.AnalysisSummary{
		Complexity: string(tc.Analysis.Complexity),
		QueryType:  string(tc.Analysis.QueryType),
		Scope:      string(tc.Analysis.Scope),
	}
}

// Metadata summarizes the turn for the stream's metadata event,
// folding in the completed answer and its scores when available.
func (tc *TurnContext) Metadata(resp *datatypes.ChatMessageResponse) *datatypes.StreamMetadata {
	meta := &datatypes.StreamMetadata{
		Complexity:      string(tc.Analysis.Complexity),
		QueryType:       string(tc.Analysis.QueryType),
		ChunksRequested: tc.ChunksRequested,
		ChunksUsed:      tc.ChunksUsed,
		Model:           tc.Model,
	}
	if resp != nil {
		meta.Answer = resp.Answer
		meta.Confidence = resp.Confidence
		meta.Hallucination = resp.Hallucination
	}
	return meta
}

// =============================================================================
// Chat Service
// =============================================================================

// ChatService answers questions over the ingested documents.
type ChatService struct {
	sessions          SessionStore
	retriever         Retriever
	gate              Gate
	registry          ModelRegistry
	scorer            Scorer
	expander          conversation.QueryExpander
	generationTimeout time.Duration
	historyLimit      int
}

// NewChatService wires the chat pipeline. scorer may be nil, which
// leaves answers unscored.
func NewChatService(sessions SessionStore, retriever Retriever, gate Gate, registry ModelRegistry, scorer Scorer, generationTimeout time.Duration) *ChatService {
	if scorer == nil {
		scorer = UnscoredScorer{}
	}
	if generationTimeout <= 0 {
		generationTimeout = 2 * time.Minute
	}
	return &ChatService{
		sessions:          sessions,
		retriever:         retriever,
		gate:              gate,
		registry:          registry,
		scorer:            scorer,
		generationTimeout: generationTimeout,
		historyLimit:      defaultHistoryLimit,
	}
}

// UseQueryExpander enables follow-up question expansion. When set, the
// retrieval query for a mid-conversation question is rewritten to
// stand alone; the stored question and the prompt keep the user's
// original wording.
func (s *ChatService) UseQueryExpander(expander conversation.QueryExpander) {
	s.expander = expander
}

// PrepareTurn runs everything that must happen before generation.
//
// # Description
//
//	Step order matters for the security boundary: the model is
//	resolved and authorized before any retrieval happens, and the
//	retrieved fragments pass the confidentiality filter before they
//	reach the prompt. The user turn is persisted last so a refused
//	request leaves no trace in the history.
//
// # Outputs
//
//   - error: store.ErrNotFound for unknown sessions,
//     *llm.ModelNotAllowedError for models outside the allow-list,
//     *security.AccessDeniedError for refused document access.
func (s *ChatService) PrepareTurn(ctx context.Context, sessionID string, req *datatypes.ChatMessageRequest) (*TurnContext, error) {
	ctx, span := chatTracer.Start(ctx, "PrepareTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("llm.model", req.Model),
		attribute.String("retrieval.mode", req.RetrievalMode),
	)

	// Step 1: The session must exist.
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Step 2: Resolve the model against the allow-list.
	client, err := s.registry.Resolve(req.Model)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Step 3: Pre-flight confidentiality check.
	if err := s.gate.Authorize(ctx, req.Model, req.SelectedDocumentIDs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "access denied")
		return nil, err
	}

	// Step 4: Load history.
	stored, err := s.sessions.History(ctx, sessionID, s.historyLimit)
	if err != nil {
		slog.Warn("History unavailable, answering without it", "session_id", sessionID, "error", err)
		stored = nil
	}
	history := make([]datatypes.Message, 0, len(stored))
	for _, msg := range stored {
		history = append(history, datatypes.Message{Role: msg.Role, Content: msg.Content})
	}

	// Step 5: Expand follow-up questions for retrieval. Best effort:
	// the original question is always a valid query.
	query := req.Question
	if s.expander != nil && len(history) > 0 {
		turns := make([]conversation.Turn, 0, len(history))
		for _, msg := range history {
			turns = append(turns, conversation.Turn{Role: msg.Role, Content: msg.Content})
		}
		expanded, err := s.expander.Expand(ctx, req.Question, turns)
		if err != nil {
			slog.Warn("Query expansion failed, using original question", "error", err)
		} else if expanded != req.Question {
			slog.Debug("Expanded retrieval query", "session_id", sessionID)
			query = expanded
		}
	}

	// Step 6: Retrieve context.
	result, err := s.retriever.Retrieve(ctx, query, req.RetrievalMode, req.SelectedDocumentIDs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	// Step 7: Post-hoc confidentiality filter.
	fragments := s.gate.Filter(result.Fragments, req.Model)
	if dropped := len(result.Fragments) - len(fragments); dropped > 0 {
		slog.Info("Confidentiality filter dropped fragments",
			"model", req.Model,
			"dropped", dropped)
	}

	tc := &TurnContext{
		SessionID:       sessionID,
		Question:        req.Question,
		Model:           req.Model,
		Prompt:          BuildPrompt(fragments, history, req.Question),
		Fragments:       fragments,
		Analysis:        result.Analysis,
		ChunksRequested: result.Budget,
		ChunksUsed:      len(fragments),
		client:          client,
	}

	// Step 8: Persist the user turn.
	if err := s.sessions.AppendMessage(ctx, sessionID, "user", req.Question, nil, nil, nil); err != nil {
		slog.Error("Failed to persist user message", "session_id", sessionID, "error", err)
	}

	return tc, nil
}

// Generate produces the answer synchronously. A generation failure
// becomes an inline model error answer rather than a failed request,
// so the turn is still recorded and surfaced to the user.
func (s *ChatService) Generate(ctx context.Context, tc *TurnContext) string {
	ctx, span := chatTracer.Start(ctx, "Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", tc.Model))

	ctx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	answer, err := tc.client.Generate(ctx, tc.Prompt, llm.GenerationParams{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Generation failed", "model", tc.Model, "error", err)
		return fmt.Sprintf("[Model error: %s]", err.Error())
	}
	return answer
}

// GenerateStream produces the answer incrementally, invoking the
// callback per token. It returns the accumulated answer alongside any
// stream error so partial output can still be persisted.
func (s *ChatService) GenerateStream(ctx context.Context, tc *TurnContext, callback llm.TokenCallback) (string, error) {
	ctx, span := chatTracer.Start(ctx, "GenerateStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", tc.Model))

	ctx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	var answer []byte
	err := tc.client.GenerateStream(ctx, tc.Prompt, llm.GenerationParams{}, func(token string) error {
		answer = append(answer, token...)
		return callback(token)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return string(answer), err
}

// CompleteTurn scores and persists the finished answer and builds the
// response envelope.
func (s *ChatService) CompleteTurn(ctx context.Context, tc *TurnContext, answer string) *datatypes.ChatMessageResponse {
	ctx, span := chatTracer.Start(ctx, "CompleteTurn")
	defer span.End()

	confidence := s.scorer.ScoreConfidence(answer, tc.Fragments)
	hallucination := s.scorer.ScoreHallucination(answer, tc.Fragments)

	if err := s.sessions.AppendMessage(ctx, tc.SessionID, "assistant", answer, tc.SourceDocumentIDs(), confidence, hallucination); err != nil {
		slog.Error("Failed to persist assistant message", "session_id", tc.SessionID, "error", err)
	}

	return datatypes.NewChatMessageResponse(tc.SessionID, answer, tc.Sources(), confidence, hallucination)
}

// Respond answers a question end to end for the synchronous endpoint.
func (s *ChatService) Respond(ctx context.Context, sessionID string, req *datatypes.ChatMessageRequest) (*datatypes.ChatMessageResponse, error) {
	tc, err := s.PrepareTurn(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	answer := s.Generate(ctx, tc)
	return s.CompleteTurn(ctx, tc, answer), nil
}

// IsNotFound reports whether err signals a missing session or
// document.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
