// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Stream Event Types
// =============================================================================

// Event types emitted over the SSE stream, in the order a successful
// stream produces them: status, sources, status, chunk (repeated),
// metadata, done. Failures before generation yield a single error
// event instead.
const (
	StreamEventStatus   = "status"
	StreamEventSources  = "sources"
	StreamEventChunk    = "chunk"
	StreamEventMetadata = "metadata"
	StreamEventDone     = "done"
	StreamEventError    = "error"
)

// StreamEvent is the JSON payload of one SSE event.
//
// # Description
//
//	Id, CreatedAt, Hash and PrevHash are populated by the SSE writer
//	at write time; callers only set Type and the content fields. Hash
//	chains each event to its predecessor so clients can verify the
//	stream was neither reordered nor truncated mid-flight.
type StreamEvent struct {
	Id            string           `json:"id,omitempty"`
	Type          string           `json:"type"`
	CreatedAt     int64            `json:"created_at,omitempty"`
	Hash          string           `json:"hash,omitempty"`
	PrevHash      string           `json:"prev_hash,omitempty"`
	Message       string           `json:"message,omitempty"`
	Content       string           `json:"content,omitempty"`
	Error         string           `json:"error,omitempty"`
	SessionId     string           `json:"session_id,omitempty"`
	Sources       []SourceInfo     `json:"sources,omitempty"`
	FragmentCount int              `json:"fragment_count,omitempty"`
	Analysis      *AnalysisSummary `json:"analysis,omitempty"`
	Metadata      *StreamMetadata  `json:"metadata,omitempty"`
}

// AnalysisSummary is the query classification carried on the sources
// event.
type AnalysisSummary struct {
	Complexity string `json:"complexity"`
	QueryType  string `json:"query_type"`
	Scope      string `json:"scope"`
}

// StreamMetadata summarizes the answered turn. It is sent as the
// payload of the metadata event after the last chunk and carries the
// complete answer with its scores alongside the generation details.
type StreamMetadata struct {
	Complexity      string   `json:"complexity"`
	QueryType       string   `json:"query_type"`
	ChunksRequested int      `json:"chunks_requested"`
	ChunksUsed      int      `json:"chunks_used"`
	Model           string   `json:"model"`
	Answer          string   `json:"answer"`
	Confidence      *float64 `json:"confidence"`
	Hallucination   *float64 `json:"hallucination"`
}

// NewStreamEvent creates an event of the given type. Content fields
// are attached with the With* builders.
func NewStreamEvent(eventType string) *StreamEvent {
	return &StreamEvent{Type: eventType}
}

// WithMessage sets the human-readable status message.
func (e *StreamEvent) WithMessage(message string) *StreamEvent {
	e.Message = message
	return e
}

// WithContent sets the answer text carried by a chunk event.
func (e *StreamEvent) WithContent(content string) *StreamEvent {
	e.Content = content
	return e
}

// WithSources attaches the fragment list and its count.
func (e *StreamEvent) WithSources(sources []SourceInfo) *StreamEvent {
	e.Sources = sources
	e.FragmentCount = len(sources)
	return e
}

// WithAnalysis attaches the query classification.
func (e *StreamEvent) WithAnalysis(analysis *AnalysisSummary) *StreamEvent {
	e.Analysis = analysis
	return e
}

// WithSessionId attaches the owning session id.
func (e *StreamEvent) WithSessionId(sessionId string) *StreamEvent {
	e.SessionId = sessionId
	return e
}

// WithError sets the error description.
func (e *StreamEvent) WithError(errorMsg string) *StreamEvent {
	e.Error = errorMsg
	return e
}

// WithMetadata attaches the generation metadata.
func (e *StreamEvent) WithMetadata(meta *StreamMetadata) *StreamEvent {
	e.Metadata = meta
	return e
}
