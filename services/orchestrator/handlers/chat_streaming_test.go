// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opendocqa/docassist/services/llm"
	"github.com/opendocqa/docassist/services/orchestrator/analysis"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/retrieval"
	"github.com/opendocqa/docassist/services/orchestrator/security"
	"github.com/opendocqa/docassist/services/orchestrator/services"
	"github.com/opendocqa/docassist/services/orchestrator/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Stubs
// =============================================================================

type stubSessions struct {
	known    map[string]bool
	appended []string
	contents []string
}

func (s *stubSessions) GetSession(_ context.Context, id string) (*store.Session, error) {
	if !s.known[id] {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return &store.Session{ID: id}, nil
}

func (s *stubSessions) History(context.Context, string, int) ([]store.ChatMessage, error) {
	return nil, nil
}

func (s *stubSessions) AppendMessage(_ context.Context, _ string, role, content string, _ []string, _, _ *float64) error {
	s.appended = append(s.appended, role)
	s.contents = append(s.contents, content)
	return nil
}

type stubRetriever struct {
	fragments []datatypes.Fragment
}

func (s *stubRetriever) Retrieve(context.Context, string, string, []string) (*retrieval.Result, error) {
	return &retrieval.Result{
		Fragments: s.fragments,
		Analysis: analysis.Analysis{
			QueryType:  analysis.QueryTypeFact,
			Complexity: analysis.ComplexityMedium,
		},
		Budget: 10,
	}, nil
}

type stubGate struct {
	authorizeErr error
}

func (s *stubGate) Authorize(context.Context, string, []string) error { return s.authorizeErr }

func (s *stubGate) Filter(fragments []datatypes.Fragment, _ string) []datatypes.Fragment {
	return fragments
}

type stubLLM struct {
	tokens []string
	err    error
	// errAfter is returned once every token has streamed, simulating
	// a backend that dies mid-generation.
	errAfter error
}

func (s *stubLLM) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return strings.Join(s.tokens, ""), s.err
}

func (s *stubLLM) GenerateStream(_ context.Context, _ string, _ llm.GenerationParams, cb llm.TokenCallback) error {
	if s.err != nil {
		return s.err
	}
	for _, token := range s.tokens {
		if err := cb(token); err != nil {
			return err
		}
	}
	return s.errAfter
}

type stubModelRegistry struct {
	client llm.LLMClient
	err    error
}

func (s *stubModelRegistry) Resolve(string) (llm.LLMClient, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

// =============================================================================
// Helpers
// =============================================================================

func newStreamRouter(sessions *stubSessions, gate *stubGate, registry *stubModelRegistry, fragments []datatypes.Fragment) *gin.Engine {
	chat := services.NewChatService(
		sessions,
		&stubRetriever{fragments: fragments},
		gate,
		registry,
		nil,
		time.Minute,
	)
	router := gin.New()
	router.POST("/v1/chat/:sessionId/stream", NewStreamingChatHandler(chat, "mistral").HandleChatStream)
	return router
}

func postStream(t *testing.T, router *gin.Engine, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/"+sessionID+"/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func eventTypes(events []datatypes.StreamEvent) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// =============================================================================
// Tests
// =============================================================================

func TestHandleChatStream_EventOrder(t *testing.T) {
	sessions := &stubSessions{known: map[string]bool{"s1": true}}
	fragments := []datatypes.Fragment{
		{Content: "ctx", Source: "a.md", DocumentID: "doc-a"},
	}
	router := newStreamRouter(sessions, &stubGate{}, &stubModelRegistry{
		client: &stubLLM{tokens: []string{"Hel", "lo"}},
	}, fragments)

	rec := postStream(t, router, "s1", `{"question":"What is alpha?"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	events := parseSSEEvents(t, rec.Body.String())
	want := []string{"status", "sources", "status", "chunk", "chunk", "metadata", "done"}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %q, got %q (all: %v)", i, want[i], got[i], got)
		}
	}

	if events[1].Sources[0].DocumentID != "doc-a" || events[1].Sources[0].Content != "ctx" {
		t.Errorf("unexpected sources payload: %+v", events[1].Sources)
	}
	if events[1].FragmentCount != 1 {
		t.Errorf("FragmentCount = %d, want 1", events[1].FragmentCount)
	}
	if events[1].Analysis == nil || events[1].Analysis.Complexity != "medium" {
		t.Errorf("sources event missing analysis: %+v", events[1].Analysis)
	}
	if events[3].Content+events[4].Content != "Hello" {
		t.Errorf("unexpected chunk contents: %q %q", events[3].Content, events[4].Content)
	}
	if events[5].Metadata == nil || events[5].Metadata.Model != "mistral" {
		t.Errorf("unexpected metadata: %+v", events[5].Metadata)
	}
	if events[5].Metadata != nil && events[5].Metadata.Answer != "Hello" {
		t.Errorf("metadata missing final answer: %q", events[5].Metadata.Answer)
	}
	if events[6].SessionId != "s1" {
		t.Errorf("done event missing session id: %+v", events[6])
	}

	// Both turns persisted.
	if len(sessions.appended) != 2 || sessions.appended[1] != "assistant" {
		t.Errorf("unexpected persistence: %v", sessions.appended)
	}
}

func TestHandleChatStream_AccessDeniedSingleErrorEvent(t *testing.T) {
	sessions := &stubSessions{known: map[string]bool{"s1": true}}
	denied := &security.AccessDeniedError{
		Model:   "chatgpt",
		Message: "External model 'chatgpt' cannot access confidential documents. Please use a local model or remove confidential files.",
	}
	router := newStreamRouter(sessions, &stubGate{authorizeErr: denied}, &stubModelRegistry{
		client: &stubLLM{tokens: []string{"never"}},
	}, nil)

	rec := postStream(t, router, "s1", `{"question":"What is alpha?","model":"chatgpt","selected_document_ids":["doc-x"],"retrieval_mode":"selected_only"}`)

	// A refused turn streams exactly one event in total: the error.
	events := parseSSEEvents(t, rec.Body.String())
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d: %v", len(events), eventTypes(events))
	}
	if events[0].Type != datatypes.StreamEventError {
		t.Fatalf("expected an error event, got %q", events[0].Type)
	}
	if !strings.Contains(events[0].Error, "cannot access confidential documents") {
		t.Errorf("error event missing refusal message: %q", events[0].Error)
	}
	// Refused request leaves no trace in history.
	if len(sessions.appended) != 0 {
		t.Errorf("refused request persisted messages: %v", sessions.appended)
	}
}

func TestHandleChatStream_UnknownSession(t *testing.T) {
	router := newStreamRouter(&stubSessions{known: map[string]bool{}}, &stubGate{}, &stubModelRegistry{
		client: &stubLLM{},
	}, nil)

	rec := postStream(t, router, "missing", `{"question":"hi?"}`)

	events := parseSSEEvents(t, rec.Body.String())
	if len(events) != 1 || events[0].Type != datatypes.StreamEventError {
		t.Fatalf("expected exactly 1 error event, got %v", eventTypes(events))
	}
	if events[0].Error != "Session not found" {
		t.Errorf("unexpected error message: %q", events[0].Error)
	}
}

func TestHandleChatStream_ModelNotAllowed(t *testing.T) {
	router := newStreamRouter(&stubSessions{known: map[string]bool{"s1": true}}, &stubGate{}, &stubModelRegistry{
		err: &llm.ModelNotAllowedError{Model: "gpt-9", Allowed: []string{"chatgpt", "mistral"}},
	}, nil)

	rec := postStream(t, router, "s1", `{"question":"hi?","model":"gpt-9"}`)

	events := parseSSEEvents(t, rec.Body.String())
	if len(events) != 1 || events[0].Type != datatypes.StreamEventError {
		t.Fatalf("expected exactly 1 error event, got %v", eventTypes(events))
	}
	if !strings.Contains(events[0].Error, "is not supported") {
		t.Errorf("unexpected error message: %q", events[0].Error)
	}
}

func TestHandleChatStream_InvalidBody(t *testing.T) {
	router := newStreamRouter(&stubSessions{known: map[string]bool{"s1": true}}, &stubGate{}, &stubModelRegistry{
		client: &stubLLM{},
	}, nil)

	rec := postStream(t, router, "s1", `{"question":""}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty question, got %d", rec.Code)
	}
}

func TestHandleChatStream_GenerationFailure(t *testing.T) {
	sessions := &stubSessions{known: map[string]bool{"s1": true}}
	router := newStreamRouter(sessions, &stubGate{}, &stubModelRegistry{
		client: &stubLLM{err: fmt.Errorf("backend down")},
	}, nil)

	rec := postStream(t, router, "s1", `{"question":"hi?"}`)

	events := parseSSEEvents(t, rec.Body.String())
	types := eventTypes(events)
	if types[len(types)-1] != datatypes.StreamEventError {
		t.Fatalf("expected trailing error event, got %v", types)
	}
	if events[len(events)-1].Error != "Model generation failed" {
		t.Errorf("internal error leaked to client: %q", events[len(events)-1].Error)
	}
	// No chunk reached the client, so only the user message persists.
	if len(sessions.appended) != 1 || sessions.appended[0] != "user" {
		t.Errorf("unexpected persistence before first chunk: %v", sessions.appended)
	}
}

func TestHandleChatStream_PartialAnswerPersistedOnFailure(t *testing.T) {
	sessions := &stubSessions{known: map[string]bool{"s1": true}}
	router := newStreamRouter(sessions, &stubGate{}, &stubModelRegistry{
		client: &stubLLM{tokens: []string{"par", "tial"}, errAfter: fmt.Errorf("backend timeout")},
	}, nil)

	rec := postStream(t, router, "s1", `{"question":"hi?"}`)

	events := parseSSEEvents(t, rec.Body.String())
	types := eventTypes(events)
	if types[len(types)-1] != datatypes.StreamEventError {
		t.Fatalf("expected trailing error event, got %v", types)
	}
	for _, ty := range types {
		if ty == datatypes.StreamEventDone || ty == datatypes.StreamEventMetadata {
			t.Errorf("failed stream emitted %q: %v", ty, types)
		}
	}
	// Chunks reached the client, so the partial answer is kept.
	if len(sessions.appended) != 2 || sessions.appended[1] != "assistant" {
		t.Fatalf("partial answer not persisted: %v", sessions.appended)
	}
	if sessions.contents[1] != "partial" {
		t.Errorf("persisted partial answer = %q, want \"partial\"", sessions.contents[1])
	}
}
