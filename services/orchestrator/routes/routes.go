// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the HTTP surface of the orchestrator.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opendocqa/docassist/services/ingestion"
	"github.com/opendocqa/docassist/services/llm"
	"github.com/opendocqa/docassist/services/orchestrator/handlers"
	"github.com/opendocqa/docassist/services/orchestrator/middleware"
	"github.com/opendocqa/docassist/services/orchestrator/services"
	"github.com/opendocqa/docassist/services/orchestrator/store"
)

// Dependencies carries everything the route handlers need.
type Dependencies struct {
	Chat         *services.ChatService
	Store        *store.Store
	Ingester     *ingestion.Service
	Deleter      handlers.FragmentDeleter
	Models       *llm.Registry
	DefaultModel string

	// APIToken, when non-empty, gates every /v1 route behind a bearer
	// token. Health and metrics stay open for probes and scrapers.
	APIToken string
}

// SetupRoutes registers all endpoints on the router.
//
// # Description
//
// The HTTP surface:
//
//	GET    /health
//	GET    /metrics
//	POST   /v1/sessions
//	GET    /v1/sessions
//	GET    /v1/sessions/:sessionId/history
//	DELETE /v1/sessions/:sessionId
//	POST   /v1/chat/:sessionId/message
//	POST   /v1/chat/:sessionId/stream
//	POST   /v1/documents
//	GET    /v1/documents
//	DELETE /v1/documents/:documentId
//	GET    /v1/models
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewChatHandler(deps.Chat, deps.DefaultModel)
	streamHandler := handlers.NewStreamingChatHandler(deps.Chat, deps.DefaultModel)
	sessionHandler := handlers.NewSessionHandler(deps.Store)
	documentHandler := handlers.NewDocumentHandler(deps.Store, deps.Ingester, deps.Deleter)

	v1 := router.Group("/v1")
	v1.Use(middleware.RequireToken(deps.APIToken))
	{
		v1.POST("/chat/:sessionId/message", chatHandler.HandleChatMessage)
		v1.POST("/chat/:sessionId/stream", streamHandler.HandleChatStream)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", sessionHandler.HandleCreateSession)
			sessions.GET("", sessionHandler.HandleListSessions)
			sessions.GET("/:sessionId/history", sessionHandler.HandleSessionHistory)
			sessions.DELETE("/:sessionId", sessionHandler.HandleDeleteSession)
		}

		documents := v1.Group("/documents")
		{
			documents.POST("", documentHandler.HandleIngestDocument)
			documents.GET("", documentHandler.HandleListDocuments)
			documents.DELETE("/:documentId", documentHandler.HandleDeleteDocument)
		}

		v1.GET("/models", handlers.ListModels(deps.Models))
	}
}
