// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists sessions, chat history, and the document
// registry in SQLite. Vectors and chunk content live in the vector
// store; this package only holds relational metadata.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a session or document does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the relational database.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and runs the
// schema migration. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}

	if err := db.AutoMigrate(&Session{}, &ChatMessage{}, &Document{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

// =============================================================================
// Sessions
// =============================================================================

// CreateSession creates a new session and returns it. An empty title
// gets a timestamp-based placeholder.
func (s *Store) CreateSession(ctx context.Context, title string) (*Session, error) {
	now := time.Now()
	if title == "" {
		title = "Session " + now.Format("2006-01-02 15:04")
	}
	sess := &Session{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and all of its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete session %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		if err := tx.Delete(&ChatMessage{}, "session_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete session %s messages: %w", id, err)
		}
		return nil
	})
}

// DeleteSessionsInactiveSince removes every session whose last
// activity predates cutoff, together with its messages. Returns the
// ids of the sessions that were removed.
func (s *Store) DeleteSessionsInactiveSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	var expired []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Session{}).Where("updated_at < ?", cutoff).
			Pluck("id", &expired).Error; err != nil {
			return fmt.Errorf("find expired sessions: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}
		if err := tx.Delete(&Session{}, "id IN ?", expired).Error; err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		if err := tx.Delete(&ChatMessage{}, "session_id IN ?", expired).Error; err != nil {
			return fmt.Errorf("delete expired session messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// =============================================================================
// Messages
// =============================================================================

// AppendMessage stores one chat turn and bumps the session's
// UpdatedAt.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, sources []string, confidence, hallucination *float64) error {
	sourcesJSON := ""
	if sources != nil {
		raw, err := json.Marshal(sources)
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
		sourcesJSON = string(raw)
	}

	msg := &ChatMessage{
		SessionID:     sessionID,
		Role:          role,
		Content:       content,
		Sources:       sourcesJSON,
		Confidence:    confidence,
		Hallucination: hallucination,
		CreatedAt:     time.Now(),
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		if err := tx.Model(&Session{}).Where("id = ?", sessionID).
			Update("updated_at", time.Now()).Error; err != nil {
			return fmt.Errorf("touch session %s: %w", sessionID, err)
		}
		return nil
	})
}

// History returns a session's messages in chronological order. A
// limit of 0 returns everything.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var messages []ChatMessage
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("history for session %s: %w", sessionID, err)
	}
	return messages, nil
}

// SourceIDs decodes the message's JSON source list.
func (m ChatMessage) SourceIDs() []string {
	if m.Sources == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.Sources), &ids); err != nil {
		return nil
	}
	return ids
}

// =============================================================================
// Documents
// =============================================================================

// CreateDocument registers a document. Confidentiality defaults to
// internal when empty.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Confidentiality == "" {
		doc.Confidentiality = "internal"
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetDocument fetches one document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

// ListDocuments returns all registered documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes a registry entry.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Document{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete document %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetChunkCount records how many fragments a document produced.
func (s *Store) SetChunkCount(ctx context.Context, id string, count int) error {
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).
		Update("chunk_count", count).Error; err != nil {
		return fmt.Errorf("set chunk count for %s: %w", id, err)
	}
	return nil
}

// CountDocuments returns the registry size.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Document{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(count), nil
}

// ConfidentialityByIDs returns the confidentiality level of each
// existing document among ids. Unknown ids are skipped.
func (s *Store) ConfidentialityByIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var docs []Document
	if err := s.db.WithContext(ctx).Select("id", "confidentiality").
		Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("confidentiality lookup: %w", err)
	}
	levels := make([]string, 0, len(docs))
	for _, d := range docs {
		levels = append(levels, d.Confidentiality)
	}
	return levels, nil
}
