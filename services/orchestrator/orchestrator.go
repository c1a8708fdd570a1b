// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles and runs the document QA service.
//
// It wires every subsystem together: the relational store, the
// Weaviate vector store, the embedding sidecar, the model registry,
// the confidentiality gate, retrieval, ingestion, session retention,
// and the HTTP surface. New builds the object graph from a
// config.Settings tree; Run starts the HTTP server and the background
// workers and blocks until one of them fails.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/opendocqa/docassist/services/ingestion"
	"github.com/opendocqa/docassist/services/llm"
	"github.com/opendocqa/docassist/services/orchestrator/analysis"
	"github.com/opendocqa/docassist/services/orchestrator/config"
	"github.com/opendocqa/docassist/services/orchestrator/conversation"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
	"github.com/opendocqa/docassist/services/orchestrator/observability"
	"github.com/opendocqa/docassist/services/orchestrator/retrieval"
	"github.com/opendocqa/docassist/services/orchestrator/routes"
	"github.com/opendocqa/docassist/services/orchestrator/security"
	"github.com/opendocqa/docassist/services/orchestrator/services"
	"github.com/opendocqa/docassist/services/orchestrator/store"
	"github.com/opendocqa/docassist/services/orchestrator/ttl"
	"github.com/opendocqa/docassist/services/vectorstore"
)

// =============================================================================
// Service Interface
// =============================================================================

// Service is the orchestrator lifecycle.
//
// # Limitations
//
//   - Run blocks until the server or a background worker fails.
//   - Run is called at most once per instance.
type Service interface {
	// Run starts the HTTP server and background workers and blocks.
	Run() error

	// Router exposes the configured engine for tests.
	Router() *gin.Engine
}

type service struct {
	cfg     config.Settings
	router  *gin.Engine
	sweeper *ttl.Sweeper
	watcher *ingestion.Watcher
	cleanup func(context.Context)
}

var _ Service = (*service)(nil)

// =============================================================================
// Construction
// =============================================================================

// New builds the full service graph from cfg.
//
// # Description
//
//	Initialization order: tracing and metrics first so every later
//	component can emit telemetry, then the stores, then the model
//	registry and the chat pipeline, then the HTTP router. External
//	services (Weaviate, the embedding sidecar, Ollama) are not
//	contacted here beyond schema setup, so New succeeds even when
//	they are still starting up.
func New(cfg config.Settings) (Service, error) {
	s := &service{cfg: cfg}

	cleanup, err := initTracer(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	s.cleanup = cleanup

	if observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}

	weaviateClient, err := initWeaviate(cfg.Weaviate)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	embedder := vectorstore.NewHTTPEmbedder(cfg.Embedding.URL, cfg.Embedding.Timeout)
	searcher := vectorstore.NewWeaviateSearcher(weaviateClient, embedder, cfg.Weaviate.ClassName)
	indexer := vectorstore.NewWeaviateIndexer(weaviateClient, embedder, cfg.Weaviate.ClassName)

	analyzer := analysis.NewAnalyzer(cfg.Budget.MinChunks, cfg.Budget.MaxChunks)
	retriever := retrieval.NewOrchestrator(searcher, st, analyzer)
	gate := security.NewGate(cfg.Models.Local, cfg.Models.External, cfg.Models.TrustUnknownModels, st)

	registry, err := buildRegistry(cfg.Models)
	if err != nil {
		return nil, err
	}

	chat := services.NewChatService(st, retriever, gate, registry, nil, cfg.Models.GenerationTimeout)
	if cfg.Models.ExpandQueries {
		if client, err := registry.Resolve(cfg.Models.Default); err != nil {
			slog.Warn("Query expansion disabled, default model unavailable",
				"model", cfg.Models.Default, "error", err)
		} else {
			chat.UseQueryExpander(conversation.NewLLMExpander(client))
			slog.Info("Query expansion enabled", "model", cfg.Models.Default)
		}
	}

	chunker, err := ingestion.NewChunker(cfg.Chunking.TargetTokens, cfg.Chunking.MaxTokenLimit)
	if err != nil {
		return nil, fmt.Errorf("init chunker: %w", err)
	}
	for contentType, ratio := range cfg.Chunking.OverlapRatios {
		chunker.SetOverlapRatio(ingestion.ContentType(contentType), ratio)
	}
	ingester := ingestion.NewService(chunker, st, indexer)

	s.sweeper = ttl.NewSweeper(st, nil, ttl.SweeperConfig{
		SessionTTL: cfg.Retention.SessionTTL,
		Interval:   cfg.Retention.SweepInterval,
	})

	if cfg.Ingestion.Enabled && cfg.Ingestion.WatchDir != "" {
		watcher, err := ingestion.NewWatcher(cfg.Ingestion.WatchDir, ingester)
		if err != nil {
			return nil, fmt.Errorf("init watcher for %s: %w", cfg.Ingestion.WatchDir, err)
		}
		s.watcher = watcher
	}

	s.router = initRouter(cfg, routes.Dependencies{
		Chat:         chat,
		Store:        st,
		Ingester:     ingester,
		Deleter:      indexer,
		Models:       registry,
		DefaultModel: cfg.Models.Default,
		APIToken:     cfg.Server.APIToken,
	})

	return s, nil
}

// Run starts the HTTP server, the retention sweeper, and the drop
// directory watcher. It blocks until any of them returns an error.
func (s *service) Run() error {
	defer func() {
		if s.cleanup != nil {
			s.cleanup(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}
	defer s.sweeper.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if s.watcher != nil {
		g.Go(func() error {
			return s.watcher.Run(ctx)
		})
	}
	g.Go(func() error {
		addr := s.cfg.Server.Addr()
		slog.Info("Starting HTTP server", "addr", addr)
		return s.router.Run(addr)
	})

	return g.Wait()
}

// Router exposes the configured engine for tests.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Component Initialization
// =============================================================================

// initTracer sets up OTLP trace export over gRPC.
//
// # Limitations
//
//   - Uses an insecure connection, appropriate for internal networks.
//
// # Outputs
//
//   - func(context.Context): cleanup to call on shutdown.
func initTracer(cfg config.TelemetrySettings) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initWeaviate creates the vector store client and ensures the schema
// exists.
func initWeaviate(cfg config.WeaviateSettings) (*weaviate.Client, error) {
	weaviateURL := strings.Trim(cfg.URL, "\"' ")

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create Weaviate client: %w", err)
	}

	// The vector store may still be starting; retrieval degrades to
	// empty results until it is reachable, so schema setup is not
	// fatal here.
	if err := datatypes.EnsureWeaviateSchema(client); err != nil {
		slog.Warn("Weaviate schema setup failed", "error", err)
	}
	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return client, nil
}

// buildRegistry registers one client per configured model. Local
// models go through Ollama; external models through the OpenAI API
// when a key is present.
func buildRegistry(cfg config.ModelSettings) (*llm.Registry, error) {
	registry := llm.NewRegistry()

	for _, name := range cfg.Local {
		client, err := llm.NewOllamaClient(cfg.OllamaURL, name)
		if err != nil {
			return nil, fmt.Errorf("ollama client for %s: %w", name, err)
		}
		registry.Register(name, client, true)
	}

	for _, name := range cfg.External {
		if cfg.OpenAIKey == "" {
			slog.Warn("Skipping external model, no API key configured", "model", name)
			continue
		}
		client, err := llm.NewOpenAIClient(cfg.OpenAIKey, name)
		if err != nil {
			return nil, fmt.Errorf("openai client for %s: %w", name, err)
		}
		registry.Register(name, client, false)
	}

	if len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no models configured")
	}
	return registry, nil
}

// initRouter builds the gin engine with tracing middleware and the
// full route table.
func initRouter(cfg config.Settings, deps routes.Dependencies) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	routes.SetupRoutes(router, deps)
	return router
}
