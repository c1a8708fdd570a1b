// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	return s
}

// TestSessionLifecycle covers create, get, list, and delete.
func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "Contract review")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.ID == "" {
		t.Fatal("CreateSession() returned empty id")
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Title != "Contract review" {
		t.Errorf("Title = %q, want Contract review", got.Title)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("ListSessions() returned %d sessions, want 1", len(sessions))
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrNotFound", err)
	}
}

// TestGetSessionNotFound verifies the sentinel for unknown ids.
func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteSession() error = %v, want ErrNotFound", err)
	}
}

// TestMessagesAndHistory verifies turns come back in order with
// their metadata intact.
func TestMessagesAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	confidence := 0.9
	if err := s.AppendMessage(ctx, sess.ID, "user", "What is plan X?", nil, nil, nil); err != nil {
		t.Fatalf("AppendMessage(user) error = %v", err)
	}
	if err := s.AppendMessage(ctx, sess.ID, "assistant", "Plan X is...", []string{"doc-1", "doc-2"}, &confidence, nil); err != nil {
		t.Fatalf("AppendMessage(assistant) error = %v", err)
	}

	history, err := s.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() returned %d messages, want 2", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("history out of order: %s then %s", history[0].Role, history[1].Role)
	}

	sources := history[1].SourceIDs()
	if len(sources) != 2 || sources[0] != "doc-1" {
		t.Errorf("SourceIDs() = %v, want [doc-1 doc-2]", sources)
	}
	if history[1].Confidence == nil || *history[1].Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", history[1].Confidence)
	}
	if history[0].SourceIDs() != nil {
		t.Errorf("user message SourceIDs() = %v, want nil", history[0].SourceIDs())
	}
}

// TestDeleteSessionRemovesMessages verifies the cascade.
func TestDeleteSessionRemovesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx, "t")
	if err := s.AppendMessage(ctx, sess.ID, "user", "hi", nil, nil, nil); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	history, err := s.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("History() after delete returned %d messages, want 0", len(history))
	}
}

// TestDocumentRegistry covers the registry operations and the
// confidentiality lookup used by the security gate.
func TestDocumentRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	public := &Document{Filename: "brochure.pdf", ContentType: "application/pdf", Confidentiality: "public"}
	secret := &Document{Filename: "contract.docx", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Confidentiality: "confidential"}
	unset := &Document{Filename: "notes.txt", ContentType: "text/plain"}

	for _, doc := range []*Document{public, secret, unset} {
		if err := s.CreateDocument(ctx, doc); err != nil {
			t.Fatalf("CreateDocument(%s) error = %v", doc.Filename, err)
		}
	}
	if unset.Confidentiality != "internal" {
		t.Errorf("default confidentiality = %q, want internal", unset.Confidentiality)
	}

	count, err := s.CountDocuments(ctx)
	if err != nil {
		t.Fatalf("CountDocuments() error = %v", err)
	}
	if count != 3 {
		t.Errorf("CountDocuments() = %d, want 3", count)
	}

	levels, err := s.ConfidentialityByIDs(ctx, []string{public.ID, secret.ID, "unknown-id"})
	if err != nil {
		t.Fatalf("ConfidentialityByIDs() error = %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("ConfidentialityByIDs() returned %d levels, want 2 (unknown id skipped)", len(levels))
	}

	if err := s.SetChunkCount(ctx, public.ID, 12); err != nil {
		t.Fatalf("SetChunkCount() error = %v", err)
	}
	got, err := s.GetDocument(ctx, public.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got.ChunkCount != 12 {
		t.Errorf("ChunkCount = %d, want 12", got.ChunkCount)
	}

	if err := s.DeleteDocument(ctx, secret.ID); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if err := s.DeleteDocument(ctx, secret.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteDocument() error = %v, want ErrNotFound", err)
	}
}

// TestConfidentialityByIDsEmpty verifies an empty id list short
// circuits without touching the database.
func TestConfidentialityByIDsEmpty(t *testing.T) {
	s := newTestStore(t)
	levels, err := s.ConfidentialityByIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("ConfidentialityByIDs(nil) error = %v", err)
	}
	if levels != nil {
		t.Errorf("ConfidentialityByIDs(nil) = %v, want nil", levels)
	}
}
