// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/store"
)

var tracer = otel.Tracer("docassist.ingestion")

// Registry records document metadata.
type Registry interface {
	CreateDocument(ctx context.Context, doc *store.Document) error
	SetChunkCount(ctx context.Context, id string, count int) error
}

// Indexer stores embedded fragments.
type Indexer interface {
	Index(ctx context.Context, fragments []datatypes.Fragment) (int, error)
}

// Service runs the full ingestion pipeline: register, chunk, embed,
// index.
type Service struct {
	chunker  *Chunker
	registry Registry
	indexer  Indexer
}

// NewService wires the ingestion pipeline.
func NewService(chunker *Chunker, registry Registry, indexer Indexer) *Service {
	return &Service{
		chunker:  chunker,
		registry: registry,
		indexer:  indexer,
	}
}

// IngestContent registers and indexes one document given its raw
// content. Returns the registry entry with its chunk count set.
func (s *Service) IngestContent(ctx context.Context, filename, content, confidentiality, department, client string) (*store.Document, error) {
	ctx, span := tracer.Start(ctx, "IngestContent")
	defer span.End()
	span.SetAttributes(attribute.String("document.filename", filename))

	doc := &store.Document{
		Filename:        filename,
		ContentType:     ContentTypeFor(filename),
		Confidentiality: confidentiality,
		Department:      department,
		Client:          client,
	}
	if err := s.registry.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("registering document %s: %w", filename, err)
	}

	fragments, err := s.chunker.Chunk(filename, content)
	if err != nil {
		return nil, fmt.Errorf("chunking document %s: %w", filename, err)
	}
	if len(fragments) == 0 {
		slog.Warn("Document produced no fragments", "filename", filename)
		return doc, nil
	}

	for i := range fragments {
		fragments[i].DocumentID = doc.ID
		fragments[i].Confidentiality = doc.Confidentiality
		fragments[i].Department = doc.Department
		fragments[i].Client = doc.Client
	}

	stored, err := s.indexer.Index(ctx, fragments)
	if err != nil {
		return nil, fmt.Errorf("indexing document %s: %w", filename, err)
	}
	if err := s.registry.SetChunkCount(ctx, doc.ID, stored); err != nil {
		return nil, fmt.Errorf("recording chunk count for %s: %w", filename, err)
	}
	doc.ChunkCount = stored

	slog.Info("Document ingested",
		"document_id", doc.ID,
		"filename", filename,
		"chunks", stored)
	return doc, nil
}

// IngestFile ingests a file from disk. Dropped files default to
// internal confidentiality.
func (s *Service) IngestFile(ctx context.Context, path string) (*store.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return s.IngestContent(ctx, filepath.Base(path), string(raw), "internal", "", "")
}
