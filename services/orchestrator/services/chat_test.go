// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opendocqa/docassist/services/llm"
	"github.com/opendocqa/docassist/services/orchestrator/analysis"
	"github.com/opendocqa/docassist/services/orchestrator/conversation"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/retrieval"
	"github.com/opendocqa/docassist/services/orchestrator/security"
	"github.com/opendocqa/docassist/services/orchestrator/store"
)

// =============================================================================
// Fakes
// =============================================================================

type persistedMessage struct {
	role    string
	content string
	sources []string
}

type fakeSessions struct {
	known    map[string]bool
	history  []store.ChatMessage
	appended []persistedMessage
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*store.Session, error) {
	if !f.known[id] {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return &store.Session{ID: id}, nil
}

func (f *fakeSessions) History(_ context.Context, _ string, _ int) ([]store.ChatMessage, error) {
	return f.history, nil
}

func (f *fakeSessions) AppendMessage(_ context.Context, _ string, role, content string, sources []string, _, _ *float64) error {
	f.appended = append(f.appended, persistedMessage{role: role, content: content, sources: sources})
	return nil
}

type fakeRetriever struct {
	result     *retrieval.Result
	err        error
	gotQueries []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, query, _ string, _ []string) (*retrieval.Result, error) {
	f.gotQueries = append(f.gotQueries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeGate struct {
	authorizeErr error
	dropLevel    string
}

func (f *fakeGate) Authorize(_ context.Context, _ string, _ []string) error {
	return f.authorizeErr
}

func (f *fakeGate) Filter(fragments []datatypes.Fragment, _ string) []datatypes.Fragment {
	if f.dropLevel == "" {
		return fragments
	}
	kept := make([]datatypes.Fragment, 0, len(fragments))
	for _, frag := range fragments {
		if frag.Confidentiality != f.dropLevel {
			kept = append(kept, frag)
		}
	}
	return kept
}

type fakeLLM struct {
	answer     string
	tokens     []string
	err        error
	streamErr  error
	gotPrompts []string
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	f.gotPrompts = append(f.gotPrompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeLLM) GenerateStream(_ context.Context, prompt string, _ llm.GenerationParams, callback llm.TokenCallback) error {
	f.gotPrompts = append(f.gotPrompts, prompt)
	for _, token := range f.tokens {
		if err := callback(token); err != nil {
			return err
		}
	}
	return f.streamErr
}

type fakeRegistry struct {
	client llm.LLMClient
	err    error
}

func (f *fakeRegistry) Resolve(_ string) (llm.LLMClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

// =============================================================================
// Helpers
// =============================================================================

func testFragments() []datatypes.Fragment {
	return []datatypes.Fragment{
		{Content: "alpha facts", Source: "a.md", DocumentID: "doc-a", ChunkIndex: 0, Distance: 0.1},
		{Content: "more alpha", Source: "a.md", DocumentID: "doc-a", ChunkIndex: 1, Distance: 0.2},
		{Content: "beta facts", Source: "b.md", DocumentID: "doc-b", ChunkIndex: 0, Distance: 0.3},
	}
}

func testResult(fragments []datatypes.Fragment) *retrieval.Result {
	return &retrieval.Result{
		Fragments: fragments,
		Analysis: analysis.Analysis{
			QueryType:  analysis.QueryTypeFact,
			Complexity: analysis.ComplexityMedium,
		},
		Budget: 10,
	}
}

func newTestService(sessions *fakeSessions, retriever *fakeRetriever, gate *fakeGate, registry *fakeRegistry) *ChatService {
	return NewChatService(sessions, retriever, gate, registry, nil, time.Minute)
}

func validRequest() *datatypes.ChatMessageRequest {
	return &datatypes.ChatMessageRequest{Question: "What is alpha?", Model: "mistral"}
}

// =============================================================================
// Tests
// =============================================================================

func TestRespond_Success(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{known: map[string]bool{"s1": true}}
	client := &fakeLLM{answer: "Alpha is a thing."}
	svc := newTestService(
		sessions,
		&fakeRetriever{result: testResult(testFragments())},
		&fakeGate{},
		&fakeRegistry{client: client},
	)

	resp, err := svc.Respond(context.Background(), "s1", validRequest())
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if resp.Answer != "Alpha is a thing." {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if resp.SessionID != "s1" {
		t.Errorf("expected session s1, got %q", resp.SessionID)
	}
	if resp.Confidence != nil || resp.Hallucination != nil {
		t.Error("expected nil scores from the default scorer")
	}

	// Sources carry one entry per fragment, in retrieval order.
	if len(resp.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(resp.Sources))
	}
	if resp.Sources[0].DocumentID != "doc-a" || resp.Sources[1].DocumentID != "doc-a" || resp.Sources[2].DocumentID != "doc-b" {
		t.Errorf("unexpected source order: %+v", resp.Sources)
	}
	if resp.Sources[0].Content != "alpha facts" || resp.Sources[0].ChunkIndex != 0 {
		t.Errorf("source missing fragment fields: %+v", resp.Sources[0])
	}

	// Both turns persisted; the assistant turn records distinct
	// documents, not fragments.
	if len(sessions.appended) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(sessions.appended))
	}
	if sessions.appended[0].role != "user" || sessions.appended[1].role != "assistant" {
		t.Errorf("unexpected roles: %+v", sessions.appended)
	}
	if got := sessions.appended[1].sources; len(got) != 2 || got[0] != "doc-a" || got[1] != "doc-b" {
		t.Errorf("expected deduplicated document ids, got %v", got)
	}
}

func TestRespond_PromptContainsContextAndHistory(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{
		known: map[string]bool{"s1": true},
		history: []store.ChatMessage{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}
	client := &fakeLLM{answer: "ok"}
	svc := newTestService(
		sessions,
		&fakeRetriever{result: testResult(testFragments())},
		&fakeGate{},
		&fakeRegistry{client: client},
	)

	if _, err := svc.Respond(context.Background(), "s1", validRequest()); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if len(client.gotPrompts) != 1 {
		t.Fatalf("expected one generation, got %d", len(client.gotPrompts))
	}
	prompt := client.gotPrompts[0]
	for _, want := range []string{"alpha facts", "beta facts", "user: earlier question", "assistant: earlier answer", "What is alpha?"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestRespond_GenerationFailureBecomesInlineAnswer(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{known: map[string]bool{"s1": true}}
	svc := newTestService(
		sessions,
		&fakeRetriever{result: testResult(nil)},
		&fakeGate{},
		&fakeRegistry{client: &fakeLLM{err: errors.New("connection refused")}},
	)

	resp, err := svc.Respond(context.Background(), "s1", validRequest())
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if resp.Answer != "[Model error: connection refused]" {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	// The failed turn is still recorded.
	if len(sessions.appended) != 2 {
		t.Errorf("expected 2 persisted messages, got %d", len(sessions.appended))
	}
}

func TestPrepareTurn_UnknownSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(
		&fakeSessions{known: map[string]bool{}},
		&fakeRetriever{result: testResult(nil)},
		&fakeGate{},
		&fakeRegistry{client: &fakeLLM{}},
	)

	_, err := svc.PrepareTurn(context.Background(), "missing", validRequest())
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestPrepareTurn_ModelNotAllowed(t *testing.T) {
	t.Parallel()

	allowErr := &llm.ModelNotAllowedError{Model: "gpt-9", Allowed: []string{"mistral"}}
	svc := newTestService(
		&fakeSessions{known: map[string]bool{"s1": true}},
		&fakeRetriever{result: testResult(nil)},
		&fakeGate{},
		&fakeRegistry{err: allowErr},
	)

	_, err := svc.PrepareTurn(context.Background(), "s1", validRequest())
	if !llm.IsModelNotAllowed(err) {
		t.Fatalf("expected model-not-allowed error, got %v", err)
	}
}

func TestPrepareTurn_AccessDeniedLeavesNoHistory(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{known: map[string]bool{"s1": true}}
	denied := &security.AccessDeniedError{Model: "chatgpt", Message: "no"}
	svc := newTestService(
		sessions,
		&fakeRetriever{result: testResult(testFragments())},
		&fakeGate{authorizeErr: denied},
		&fakeRegistry{client: &fakeLLM{}},
	)

	_, err := svc.PrepareTurn(context.Background(), "s1", validRequest())
	if !security.IsAccessDenied(err) {
		t.Fatalf("expected access-denied error, got %v", err)
	}
	if len(sessions.appended) != 0 {
		t.Errorf("refused request must not persist messages, got %d", len(sessions.appended))
	}
}

func TestPrepareTurn_FilterDropsConfidentialFragments(t *testing.T) {
	t.Parallel()

	fragments := append(testFragments(), datatypes.Fragment{
		Content: "secret", Source: "c.md", DocumentID: "doc-c", Confidentiality: "confidential",
	})
	svc := newTestService(
		&fakeSessions{known: map[string]bool{"s1": true}},
		&fakeRetriever{result: testResult(fragments)},
		&fakeGate{dropLevel: "confidential"},
		&fakeRegistry{client: &fakeLLM{}},
	)

	tc, err := svc.PrepareTurn(context.Background(), "s1", validRequest())
	if err != nil {
		t.Fatalf("PrepareTurn failed: %v", err)
	}
	if tc.ChunksUsed != 3 {
		t.Errorf("expected 3 chunks after filtering, got %d", tc.ChunksUsed)
	}
	for _, frag := range tc.Fragments {
		if frag.Confidentiality == "confidential" {
			t.Errorf("confidential fragment leaked into prompt context: %+v", frag)
		}
	}
	if strings.Contains(tc.Prompt, "secret") {
		t.Error("confidential content leaked into prompt")
	}
}

func TestGenerateStream_AccumulatesAnswer(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{known: map[string]bool{"s1": true}}
	client := &fakeLLM{tokens: []string{"Hel", "lo", "!"}}
	svc := newTestService(
		sessions,
		&fakeRetriever{result: testResult(nil)},
		&fakeGate{},
		&fakeRegistry{client: client},
	)

	tc, err := svc.PrepareTurn(context.Background(), "s1", validRequest())
	if err != nil {
		t.Fatalf("PrepareTurn failed: %v", err)
	}

	var received []string
	answer, err := svc.GenerateStream(context.Background(), tc, func(token string) error {
		received = append(received, token)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	if answer != "Hello!" {
		t.Errorf("expected accumulated answer, got %q", answer)
	}
	if len(received) != 3 {
		t.Errorf("expected 3 tokens, got %d", len(received))
	}
}

func TestGenerateStream_PartialAnswerOnError(t *testing.T) {
	t.Parallel()

	client := &fakeLLM{tokens: []string{"partial "}, streamErr: errors.New("stream cut")}
	svc := newTestService(
		&fakeSessions{known: map[string]bool{"s1": true}},
		&fakeRetriever{result: testResult(nil)},
		&fakeGate{},
		&fakeRegistry{client: client},
	)

	tc, err := svc.PrepareTurn(context.Background(), "s1", validRequest())
	if err != nil {
		t.Fatalf("PrepareTurn failed: %v", err)
	}

	answer, err := svc.GenerateStream(context.Background(), tc, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected stream error")
	}
	if answer != "partial " {
		t.Errorf("expected partial answer, got %q", answer)
	}
}

func TestTurnContext_Metadata(t *testing.T) {
	t.Parallel()

	svc := newTestService(
		&fakeSessions{known: map[string]bool{"s1": true}},
		&fakeRetriever{result: testResult(testFragments())},
		&fakeGate{},
		&fakeRegistry{client: &fakeLLM{}},
	)

	tc, err := svc.PrepareTurn(context.Background(), "s1", validRequest())
	if err != nil {
		t.Fatalf("PrepareTurn failed: %v", err)
	}
	meta := tc.Metadata(nil)
	if meta.ChunksRequested != 10 {
		t.Errorf("expected requested 10, got %d", meta.ChunksRequested)
	}
	if meta.ChunksUsed != 3 {
		t.Errorf("expected used 3, got %d", meta.ChunksUsed)
	}
	if meta.Model != "mistral" {
		t.Errorf("unexpected model: %q", meta.Model)
	}
	if meta.QueryType != "fact" || meta.Complexity != "medium" {
		t.Errorf("unexpected analysis metadata: %+v", meta)
	}

	// The completed response folds the answer and scores in.
	resp := svc.CompleteTurn(context.Background(), tc, "Alpha is a thing.")
	meta = tc.Metadata(resp)
	if meta.Answer != "Alpha is a thing." {
		t.Errorf("metadata missing answer: %q", meta.Answer)
	}
	if meta.Confidence != nil || meta.Hallucination != nil {
		t.Error("expected nil scores from the default scorer")
	}

	summary := tc.AnalysisSummary()
	if summary.QueryType != "fact" || summary.Complexity != "medium" {
		t.Errorf("unexpected analysis summary: %+v", summary)
	}
}

type fakeExpander struct {
	rewritten string
	err       error
	gotTurns  []conversation.Turn
}

func (f *fakeExpander) Expand(_ context.Context, question string, history []conversation.Turn) (string, error) {
	f.gotTurns = history
	if f.err != nil {
		return question, f.err
	}
	return f.rewritten, nil
}

func TestPrepareTurn_ExpandsRetrievalQuery(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{
		known: map[string]bool{"s1": true},
		history: []store.ChatMessage{
			{Role: "user", Content: "What is the laptop policy?"},
			{Role: "assistant", Content: "New hires get one in week one."},
		},
	}
	retriever := &fakeRetriever{result: testResult(testFragments())}
	svc := newTestService(sessions, retriever, &fakeGate{}, &fakeRegistry{client: &fakeLLM{}})

	expander := &fakeExpander{rewritten: "What is the laptop replacement policy?"}
	svc.UseQueryExpander(expander)

	req := &datatypes.ChatMessageRequest{Question: "what about replacements?", Model: "mistral"}
	tc, err := svc.PrepareTurn(context.Background(), "s1", req)
	if err != nil {
		t.Fatalf("PrepareTurn failed: %v", err)
	}

	if len(retriever.gotQueries) != 1 || retriever.gotQueries[0] != "What is the laptop replacement policy?" {
		t.Errorf("retriever saw queries %v, want the expanded question", retriever.gotQueries)
	}
	if len(expander.gotTurns) != 2 {
		t.Errorf("expander saw %d turns, want 2", len(expander.gotTurns))
	}
	// The prompt and the stored turn keep the user's wording.
	if !strings.Contains(tc.Prompt, "what about replacements?") {
		t.Error("prompt should contain the original question")
	}
	if tc.Question != "what about replacements?" {
		t.Errorf("unexpected turn question: %q", tc.Question)
	}
}

func TestPrepareTurn_ExpansionFailureFallsBack(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{
		known:   map[string]bool{"s1": true},
		history: []store.ChatMessage{{Role: "user", Content: "earlier question"}},
	}
	retriever := &fakeRetriever{result: testResult(nil)}
	svc := newTestService(sessions, retriever, &fakeGate{}, &fakeRegistry{client: &fakeLLM{}})
	svc.UseQueryExpander(&fakeExpander{err: errors.New("model offline")})

	req := &datatypes.ChatMessageRequest{Question: "and then?", Model: "mistral"}
	if _, err := svc.PrepareTurn(context.Background(), "s1", req); err != nil {
		t.Fatalf("PrepareTurn failed: %v", err)
	}
	if len(retriever.gotQueries) != 1 || retriever.gotQueries[0] != "and then?" {
		t.Errorf("retriever saw queries %v, want the original question", retriever.gotQueries)
	}
}
