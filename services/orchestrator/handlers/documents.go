// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opendocqa/docassist/services/ingestion"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/services"
	"github.com/opendocqa/docassist/services/orchestrator/store"
)

// =============================================================================
// Interface Definition
// =============================================================================

// FragmentDeleter removes a document's fragments from the vector store.
type FragmentDeleter interface {
	DeleteDocument(ctx context.Context, documentID string) error
}

// =============================================================================
// Struct Definition
// =============================================================================

// DocumentHandler serves the document registry endpoints.
//
// # Description
//
// DocumentHandler coordinates the document registry (relational store)
// with the vector store: uploads chunk and index content, deletes remove
// both the registry row and the indexed fragments.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type DocumentHandler struct {
	store    *store.Store
	ingester *ingestion.Service
	deleter  FragmentDeleter
	tracer   trace.Tracer
}

// NewDocumentHandler creates a DocumentHandler. Panics if st or ingester
// is nil (programming errors). deleter may be nil, in which case deletes
// only remove the registry row.
func NewDocumentHandler(st *store.Store, ingester *ingestion.Service, deleter FragmentDeleter) *DocumentHandler {
	if st == nil {
		panic("NewDocumentHandler: store must not be nil")
	}
	if ingester == nil {
		panic("NewDocumentHandler: ingester must not be nil")
	}
	return &DocumentHandler{
		store:    st,
		ingester: ingester,
		deleter:  deleter,
		tracer:   otel.Tracer("docassist.orchestrator.handlers.documents"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleIngestDocument uploads and indexes a document.
//
// # Description
//
// Handles POST /v1/documents requests. Registers the document, chunks
// its content, and indexes the fragments in the vector store. The
// confidentiality level defaults to internal when omitted.
//
// # Outputs
//
// HTTP Status:
//   - 201 Created: datatypes.DocumentResponse
//   - 400 Bad Request: Invalid body or validation failure
//   - 500 Internal Server Error: Chunking or indexing failure
func (h *DocumentHandler) HandleIngestDocument(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleIngestDocument")
	defer span.End()

	var req datatypes.IngestDocumentRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	}

	span.SetAttributes(
		attribute.String("document.filename", req.Filename),
		attribute.String("document.confidentiality", req.Confidentiality),
		attribute.Int("document.bytes", len(req.Content)),
	)

	doc, err := h.ingester.IngestContent(ctx, req.Filename, req.Content, req.Confidentiality, req.Department, req.Client)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingestion failed")
		slog.Error("Document ingestion failed", "error", err, "filename", req.Filename)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to ingest document"})
		return
	}

	span.SetAttributes(
		attribute.String("document.id", doc.ID),
		attribute.Int("document.chunks", doc.ChunkCount),
	)
	c.JSON(http.StatusCreated, toDocumentResponse(doc))
}

// HandleListDocuments lists all registered documents.
//
// Handles GET /v1/documents requests.
func (h *DocumentHandler) HandleListDocuments(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListDocuments")
	defer span.End()

	docs, err := h.store.ListDocuments(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to list documents", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to list documents"})
		return
	}

	out := make([]datatypes.DocumentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentResponse(&docs[i]))
	}
	span.SetAttributes(attribute.Int("documents.count", len(out)))
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

// HandleDeleteDocument removes a document from the registry and the
// vector store.
//
// # Description
//
// Handles DELETE /v1/documents/:documentId requests. The registry row is
// removed first; fragment cleanup failures are logged but do not fail
// the request, since the registry is the access-control source of truth
// and orphaned fragments are no longer resolvable.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: Deletion confirmation
//   - 404 Not Found: Unknown document
//   - 500 Internal Server Error: Registry failure
func (h *DocumentHandler) HandleDeleteDocument(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleDeleteDocument")
	defer span.End()

	documentID := c.Param("documentId")
	span.SetAttributes(attribute.String("document.id", documentID))

	if err := h.store.DeleteDocument(ctx, documentID); err != nil {
		if services.IsNotFound(err) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "document not found"})
			return
		}
		span.RecordError(err)
		slog.Error("Failed to delete document", "error", err, "documentId", documentID)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to delete document"})
		return
	}

	if h.deleter != nil {
		if err := h.deleter.DeleteDocument(ctx, documentID); err != nil {
			span.RecordError(err)
			slog.Error("Failed to delete document fragments", "error", err, "documentId", documentID)
		}
	}

	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "deleted": true})
}

// =============================================================================
// Helpers
// =============================================================================

func toDocumentResponse(d *store.Document) datatypes.DocumentResponse {
	return datatypes.DocumentResponse{
		DocumentID:      d.ID,
		Filename:        d.Filename,
		ContentType:     d.ContentType,
		Confidentiality: d.Confidentiality,
		Department:      d.Department,
		Client:          d.Client,
		ChunkCount:      d.ChunkCount,
		CreatedAt:       d.CreatedAt.UnixMilli(),
	}
}
