// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
)

// WeaviateIndexer writes and removes document fragments.
type WeaviateIndexer struct {
	client    *weaviate.Client
	embedder  Embedder
	className string
}

// NewWeaviateIndexer builds an indexer over the given class.
func NewWeaviateIndexer(client *weaviate.Client, embedder Embedder, className string) *WeaviateIndexer {
	if className == "" {
		className = "DocumentChunk"
	}
	return &WeaviateIndexer{
		client:    client,
		embedder:  embedder,
		className: className,
	}
}

// Index embeds the fragments and imports them in one batch request.
// Returns the number of fragments stored.
//
// # Limitations
//
//   - A partially failed batch still returns the successful count;
//     failed items are logged and not retried.
func (w *WeaviateIndexer) Index(ctx context.Context, fragments []datatypes.Fragment) (int, error) {
	ctx, span := tracer.Start(ctx, "Index")
	defer span.End()

	if len(fragments) == 0 {
		return 0, nil
	}

	texts := make([]string, len(fragments))
	for i, frag := range fragments {
		texts[i] = frag.Content
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed fragments: %w", err)
	}

	batcher := w.client.Batch().ObjectsBatcher()
	objects := make([]*models.Object, len(fragments))

	for i, frag := range fragments {
		// Deterministic id from content so re-ingesting the same text
		// overwrites instead of duplicating.
		hash := sha256.Sum256([]byte(frag.DocumentID + "|" + frag.Content))
		objUUID, _ := uuid.FromBytes(hash[:16])

		objects[i] = &models.Object{
			Class:  w.className,
			ID:     strfmt.UUID(objUUID.String()),
			Vector: vectors[i],
			Properties: map[string]interface{}{
				"content":         frag.Content,
				"source":          frag.Source,
				"document_id":     frag.DocumentID,
				"chunk_index":     frag.ChunkIndex,
				"confidentiality": frag.Confidentiality,
				"department":      frag.Department,
				"client":          frag.Client,
				"ingested_at":     time.Now().UnixMilli(),
			},
		}
	}

	batcher.WithObjects(objects...)

	resp, err := batcher.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to save fragments to Weaviate: %w", err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "error", errItem.Message)
			}
		} else {
			slog.Warn("Failed Weaviate batch item, no error provided")
		}
	}

	slog.Info("Indexed document fragments",
		"document_id", fragments[0].DocumentID,
		"stored", stored,
		"total", len(fragments))
	return stored, nil
}

// DeleteDocument removes every fragment belonging to the document.
func (w *WeaviateIndexer) DeleteDocument(ctx context.Context, documentID string) error {
	ctx, span := tracer.Start(ctx, "DeleteDocument")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"document_id"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)

	resp, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.className).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete fragments for document %s: %w", documentID, err)
	}

	if resp != nil && resp.Results != nil {
		slog.Info("Deleted document fragments",
			"document_id", documentID,
			"matches", resp.Results.Matches)
	}
	return nil
}
