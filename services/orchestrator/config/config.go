// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the orchestrator settings from an optional YAML
// file and applies environment variable overrides on top. Every field
// has a usable default so the service starts with no file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full configuration tree for the orchestrator service.
//
// # Description
//
//	Settings is populated once at startup by Load and treated as
//	immutable afterwards. Sections mirror the major subsystems:
//	HTTP server, vector store, embedding service, model routing,
//	retrieval budgets, chunking, persistence, and ingestion.
//
// # Assumptions
//
//   - Callers do not mutate Settings after Load returns.
type Settings struct {
	Server    ServerSettings    `yaml:"server"`
	Weaviate  WeaviateSettings  `yaml:"weaviate"`
	Embedding EmbeddingSettings `yaml:"embedding"`
	Models    ModelSettings     `yaml:"models"`
	Budget    BudgetSettings    `yaml:"budget"`
	Chunking  ChunkingSettings  `yaml:"chunking"`
	Store     StoreSettings     `yaml:"store"`
	Ingestion IngestionSettings `yaml:"ingestion"`
	Retention RetentionSettings `yaml:"retention"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIToken, when set, is required as a bearer token on every /v1
	// request. Empty leaves the API open for local deployments.
	APIToken string `yaml:"api_token"`
}

// Addr returns the host:port pair for gin's Run.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WeaviateSettings configures the vector store connection.
type WeaviateSettings struct {
	URL       string `yaml:"url"`
	ClassName string `yaml:"class_name"`
}

// EmbeddingSettings configures the embedding sidecar.
type EmbeddingSettings struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModelSettings drives model routing and the confidentiality gate.
type ModelSettings struct {
	// Local lists model names served on-premise. Local models may see
	// every confidentiality level.
	Local []string `yaml:"local"`
	// External lists hosted model names. External models never see
	// confidential content.
	External []string `yaml:"external"`
	// Default is used when a request does not name a model.
	Default string `yaml:"default"`
	// TrustUnknownModels decides how unlisted model names are treated.
	// When true an unknown name is handled like a local model.
	TrustUnknownModels bool `yaml:"trust_unknown_models"`
	// OllamaURL is the base URL of the local model server.
	OllamaURL string `yaml:"ollama_url"`
	// OpenAIKey authenticates requests to hosted models.
	OpenAIKey string `yaml:"openai_key"`
	// GenerationTimeout bounds a single model call.
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	// ExpandQueries rewrites follow-up questions into standalone
	// retrieval queries using the default local model.
	ExpandQueries bool `yaml:"expand_queries"`
}

// BudgetSettings bounds the retrieval context budget.
type BudgetSettings struct {
	MinChunks int `yaml:"min_chunks"`
	MaxChunks int `yaml:"max_chunks"`
}

// ChunkingSettings drives the ingestion chunker.
type ChunkingSettings struct {
	TargetTokens  int `yaml:"target_tokens"`
	MaxTokenLimit int `yaml:"max_token_limit"`
	// OverlapRatios overrides the per-content-type overlap ratios,
	// keyed by content type name (legal, technical, narrative,
	// general).
	OverlapRatios map[string]float64 `yaml:"overlap_ratios"`
}

// StoreSettings configures the relational store for sessions and
// document metadata.
type StoreSettings struct {
	Path string `yaml:"path"`
}

// IngestionSettings configures the drop-directory watcher.
type IngestionSettings struct {
	WatchDir string `yaml:"watch_dir"`
	Enabled  bool   `yaml:"enabled"`
}

// RetentionSettings drives the idle-session sweeper. A zero
// SessionTTL keeps sessions forever.
type RetentionSettings struct {
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TelemetrySettings configures trace export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns a Settings tree with every field set to its
// out-of-the-box value.
func Default() Settings {
	return Settings{
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Weaviate: WeaviateSettings{
			URL:       "http://localhost:8080",
			ClassName: "DocumentChunk",
		},
		Embedding: EmbeddingSettings{
			URL:     "http://localhost:8001",
			Timeout: 5 * time.Minute,
		},
		Models: ModelSettings{
			Local:              []string{"mistral"},
			External:           []string{"chatgpt"},
			Default:            "mistral",
			TrustUnknownModels: true,
			OllamaURL:          "http://localhost:11434",
			GenerationTimeout:  2 * time.Minute,
		},
		Budget: BudgetSettings{
			MinChunks: 3,
			MaxChunks: 25,
		},
		Chunking: ChunkingSettings{
			TargetTokens:  512,
			MaxTokenLimit: 8192,
		},
		Store: StoreSettings{
			Path: "docassist.db",
		},
		Ingestion: IngestionSettings{
			WatchDir: "",
			Enabled:  false,
		},
		Retention: RetentionSettings{
			SessionTTL:    0,
			SweepInterval: 1 * time.Hour,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "docassist-orchestrator",
		},
	}
}

// Load reads the YAML file at path (when path is non-empty and the
// file exists), then applies environment overrides. A missing file is
// not an error; a malformed one is.
func Load(path string) (Settings, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Settings) validate() error {
	if c.Budget.MinChunks < 1 {
		return fmt.Errorf("budget.min_chunks must be at least 1, got %d", c.Budget.MinChunks)
	}
	if c.Budget.MaxChunks < c.Budget.MinChunks {
		return fmt.Errorf("budget.max_chunks (%d) must not be below budget.min_chunks (%d)",
			c.Budget.MaxChunks, c.Budget.MinChunks)
	}
	if c.Chunking.TargetTokens < 1 {
		return fmt.Errorf("chunking.target_tokens must be positive, got %d", c.Chunking.TargetTokens)
	}
	if c.Chunking.MaxTokenLimit < c.Chunking.TargetTokens {
		return fmt.Errorf("chunking.max_token_limit (%d) must not be below chunking.target_tokens (%d)",
			c.Chunking.MaxTokenLimit, c.Chunking.TargetTokens)
	}
	return nil
}

func applyEnv(cfg *Settings) {
	setString(&cfg.Server.Host, "DOCASSIST_HOST")
	setInt(&cfg.Server.Port, "DOCASSIST_PORT")
	setString(&cfg.Server.APIToken, "DOCASSIST_API_TOKEN")
	setString(&cfg.Weaviate.URL, "WEAVIATE_URL")
	setString(&cfg.Weaviate.ClassName, "WEAVIATE_CLASS")
	setString(&cfg.Embedding.URL, "EMBEDDING_SERVICE_URL")
	setString(&cfg.Models.Default, "DEFAULT_MODEL")
	setString(&cfg.Models.OllamaURL, "OLLAMA_URL")
	setString(&cfg.Models.OpenAIKey, "OPENAI_API_KEY")
	setBool(&cfg.Models.TrustUnknownModels, "TRUST_UNKNOWN_MODELS")
	setDuration(&cfg.Models.GenerationTimeout, "GENERATION_TIMEOUT")
	setString(&cfg.Store.Path, "DOCASSIST_DB_PATH")
	setString(&cfg.Ingestion.WatchDir, "DOCASSIST_WATCH_DIR")
	setBool(&cfg.Ingestion.Enabled, "DOCASSIST_WATCH_ENABLED")
	setBool(&cfg.Models.ExpandQueries, "DOCASSIST_EXPAND_QUERIES")
	setDuration(&cfg.Retention.SessionTTL, "DOCASSIST_SESSION_TTL")
	setDuration(&cfg.Retention.SweepInterval, "DOCASSIST_SWEEP_INTERVAL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
