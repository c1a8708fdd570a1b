// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadDefaults verifies a missing config file yields the built-in
// defaults.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Weaviate.ClassName != "DocumentChunk" {
		t.Errorf("Weaviate.ClassName = %q, want DocumentChunk", cfg.Weaviate.ClassName)
	}
	if cfg.Budget.MinChunks != 3 || cfg.Budget.MaxChunks != 25 {
		t.Errorf("Budget = %+v, want Min 3 Max 25", cfg.Budget)
	}
	if !cfg.Models.TrustUnknownModels {
		t.Error("Models.TrustUnknownModels = false, want true by default")
	}
	if cfg.Models.GenerationTimeout != 2*time.Minute {
		t.Errorf("Models.GenerationTimeout = %v, want 2m", cfg.Models.GenerationTimeout)
	}
}

// TestLoadFile verifies YAML values override defaults.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
models:
  default: llama3
  external:
    - chatgpt
    - gpt-4o
budget:
  min_chunks: 2
  max_chunks: 30
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Models.Default != "llama3" {
		t.Errorf("Models.Default = %q, want llama3", cfg.Models.Default)
	}
	if len(cfg.Models.External) != 2 {
		t.Errorf("Models.External = %v, want two entries", cfg.Models.External)
	}
	if cfg.Budget.MaxChunks != 30 {
		t.Errorf("Budget.MaxChunks = %d, want 30", cfg.Budget.MaxChunks)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Weaviate.URL != "http://localhost:8080" {
		t.Errorf("Weaviate.URL = %q, want default", cfg.Weaviate.URL)
	}
}

// TestLoadEnvOverrides verifies environment variables win over the
// file and the defaults.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DOCASSIST_PORT", "7001")
	t.Setenv("DEFAULT_MODEL", "phi3")
	t.Setenv("TRUST_UNKNOWN_MODELS", "false")
	t.Setenv("GENERATION_TIMEOUT", "45s")
	t.Setenv("DOCASSIST_API_TOKEN", "s3cret")
	t.Setenv("DOCASSIST_SESSION_TTL", "720h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Server.Port = %d, want 7001", cfg.Server.Port)
	}
	if cfg.Models.Default != "phi3" {
		t.Errorf("Models.Default = %q, want phi3", cfg.Models.Default)
	}
	if cfg.Models.TrustUnknownModels {
		t.Error("Models.TrustUnknownModels = true, want false from env")
	}
	if cfg.Models.GenerationTimeout != 45*time.Second {
		t.Errorf("GenerationTimeout = %v, want 45s", cfg.Models.GenerationTimeout)
	}
	if cfg.Server.APIToken != "s3cret" {
		t.Errorf("Server.APIToken = %q, want s3cret", cfg.Server.APIToken)
	}
	if cfg.Retention.SessionTTL != 720*time.Hour {
		t.Errorf("Retention.SessionTTL = %v, want 720h", cfg.Retention.SessionTTL)
	}
}

// TestLoadInvalidBudget verifies validation rejects inverted budget
// bounds.
func TestLoadInvalidBudget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
budget:
  min_chunks: 10
  max_chunks: 5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted max_chunks below min_chunks")
	}
}

// TestLoadMalformedYAML verifies a syntactically broken file is
// reported rather than silently ignored.
func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted malformed YAML")
	}
}
