// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

// MaxQuestionBytes limits the size of a single user question.
const MaxQuestionBytes = 32 * 1024

// MaxSelectedDocuments limits how many documents a request may pin.
const MaxSelectedDocuments = 100

// Retrieval modes accepted by chat requests.
const (
	RetrievalModeAll          = "all"
	RetrievalModeSelectedOnly = "selected_only"
	RetrievalModeHybrid       = "hybrid"
)

// =============================================================================
// Validation
// =============================================================================

// chatValidate is the shared validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	if err := chatValidate.RegisterValidation("maxbytes", validateMaxBytes); err != nil {
		panic(fmt.Sprintf("failed to register maxbytes validator: %v", err))
	}
}

// validateMaxBytes checks byte length rather than rune count so
// multi-byte input cannot slip past the limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// =============================================================================
// Requests
// =============================================================================

// ChatMessageRequest is the body of both the synchronous message
// endpoint and the streaming endpoint.
//
// # Description
//
//	Carries the user question plus optional routing hints: which model
//	to use, how retrieval should treat user-selected documents, and the
//	selected document ids themselves.
//
// # Limitations
//
//   - SelectedDocumentIDs is only meaningful for the selected_only and
//     hybrid retrieval modes; it is ignored for mode all.
type ChatMessageRequest struct {
	Question            string   `json:"question" validate:"required,min=1,maxbytes"`
	Model               string   `json:"model" validate:"omitempty,max=128"`
	RetrievalMode       string   `json:"retrieval_mode" validate:"omitempty,oneof=all selected_only hybrid"`
	SelectedDocumentIDs []string `json:"selected_document_ids" validate:"omitempty,max=100,dive,required"`
}

// Validate checks the request against its constraints.
func (r *ChatMessageRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid chat message request: %w", err)
	}
	return nil
}

// EnsureDefaults fills unset optional fields.
func (r *ChatMessageRequest) EnsureDefaults(defaultModel string) {
	if strings.TrimSpace(r.Model) == "" {
		r.Model = defaultModel
	}
	if r.RetrievalMode == "" {
		r.RetrievalMode = RetrievalModeAll
	}
}

// CreateSessionRequest names a new chat session.
type CreateSessionRequest struct {
	Title string `json:"title" validate:"omitempty,max=256"`
}

// Validate checks the request against its constraints.
func (r *CreateSessionRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid create session request: %w", err)
	}
	return nil
}

// =============================================================================
// Responses
// =============================================================================

// ChatMessageResponse is the synchronous answer envelope.
type ChatMessageResponse struct {
	Answer        string       `json:"answer"`
	Sources       []SourceInfo `json:"sources"`
	Confidence    *float64     `json:"confidence"`
	Hallucination *float64     `json:"hallucination"`
	SessionID     string       `json:"session_id"`
}

// NewChatMessageResponse builds the answer envelope, normalizing a nil
// source list to an empty one so clients always see an array.
func NewChatMessageResponse(sessionID, answer string, sources []SourceInfo, confidence, hallucination *float64) *ChatMessageResponse {
	if sources == nil {
		sources = []SourceInfo{}
	}
	return &ChatMessageResponse{
		Answer:        answer,
		Sources:       sources,
		Confidence:    confidence,
		Hallucination: hallucination,
		SessionID:     sessionID,
	}
}

// SessionResponse describes one chat session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// HistoryMessage is one stored chat turn as returned by the history
// endpoint.
type HistoryMessage struct {
	Role          string   `json:"role"`
	Content       string   `json:"content"`
	Sources       []string `json:"sources,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Hallucination *float64 `json:"hallucination,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}

// DocumentResponse describes one registered document.
type DocumentResponse struct {
	DocumentID      string `json:"document_id"`
	Filename        string `json:"filename"`
	ContentType     string `json:"content_type"`
	Confidentiality string `json:"confidentiality"`
	Department      string `json:"department,omitempty"`
	Client          string `json:"client,omitempty"`
	ChunkCount      int    `json:"chunk_count"`
	CreatedAt       int64  `json:"created_at"`
}

// ModelInfo describes one model available for chat.
type ModelInfo struct {
	Name  string `json:"name"`
	Local bool   `json:"local"`
}

// ErrorResponse is the JSON error envelope for non-streaming
// endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
