// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
)

// maxEmbedLength bounds query text sent to the embedding service.
const maxEmbedLength = 8192

// WeaviateSearcher runs semantic searches over the DocumentChunk
// class.
type WeaviateSearcher struct {
	client    *weaviate.Client
	embedder  Embedder
	className string
}

// NewWeaviateSearcher builds a searcher over the given class.
func NewWeaviateSearcher(client *weaviate.Client, embedder Embedder, className string) *WeaviateSearcher {
	if className == "" {
		className = "DocumentChunk"
	}
	return &WeaviateSearcher{
		client:    client,
		embedder:  embedder,
		className: className,
	}
}

// Search returns the limit fragments closest to the query across the
// whole corpus.
func (s *WeaviateSearcher) Search(ctx context.Context, query string, limit int) ([]datatypes.Fragment, error) {
	return s.search(ctx, query, limit, nil)
}

// SearchWithin restricts the search to fragments belonging to the
// given documents.
func (s *WeaviateSearcher) SearchWithin(ctx context.Context, query string, limit int, documentIDs []string) ([]datatypes.Fragment, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	return s.search(ctx, query, limit, documentIDs)
}

func (s *WeaviateSearcher) search(ctx context.Context, query string, limit int, documentIDs []string) ([]datatypes.Fragment, error) {
	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}

	// Step 1: Embed the query.
	truncated := query
	if len(truncated) > maxEmbedLength {
		truncated = truncated[:maxEmbedLength]
	}
	vector, err := s.embedder.Embed(ctx, truncated)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Step 2: Build the search.
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "document_id"},
		{Name: "chunk_index"},
		{Name: "confidentiality"},
		{Name: "department"},
		{Name: "client"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "distance"},
		}},
	}

	builder := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit)

	if len(documentIDs) > 0 {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"document_id"}).
			WithOperator(filters.ContainsAny).
			WithValueText(documentIDs...))
	}

	// Step 3: Execute and parse.
	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.FragmentQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	fragments := make([]datatypes.Fragment, 0, len(parsed.Get.DocumentChunk))
	for _, r := range parsed.Get.DocumentChunk {
		fragments = append(fragments, r.ToFragment())
	}

	slog.Debug("Semantic search complete",
		"query_len", len(query),
		"limit", limit,
		"restricted", len(documentIDs) > 0,
		"found", len(fragments))
	return fragments, nil
}

// CountFragments returns the number of stored fragments, optionally
// restricted to one document.
func (s *WeaviateSearcher) CountFragments(ctx context.Context, documentID string) (int, error) {
	ctx, span := tracer.Start(ctx, "CountFragments")
	defer span.End()

	meta := graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}
	builder := s.client.GraphQL().Aggregate().
		WithClassName(s.className).
		WithFields(meta)

	if documentID != "" {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"document_id"}).
			WithOperator(filters.Equal).
			WithValueString(documentID))
	}

	result, err := builder.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate aggregate failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.AggregateCountResponse](result)
	if err != nil {
		return 0, fmt.Errorf("failed to parse aggregate result: %w", err)
	}
	if len(parsed.Aggregate.DocumentChunk) == 0 {
		return 0, nil
	}
	return int(parsed.Aggregate.DocumentChunk[0].Meta.Count), nil
}
