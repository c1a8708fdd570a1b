// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendocqa/docassist/services/orchestrator/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testSettings() config.Settings {
	cfg := config.Default()
	cfg.Store.Path = ":memory:"
	return cfg
}

func TestNew_BuildsWorkingService(t *testing.T) {
	svc, err := New(testSettings())
	require.NoError(t, err)
	require.NotNil(t, svc.Router())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec = httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mistral")
}

func TestNew_InvalidWeaviateURL(t *testing.T) {
	cfg := testSettings()
	cfg.Weaviate.URL = "not a url"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid Weaviate URL")
}

func TestBuildRegistry_SkipsExternalWithoutKey(t *testing.T) {
	registry, err := buildRegistry(config.ModelSettings{
		Local:     []string{"mistral"},
		External:  []string{"chatgpt"},
		OllamaURL: "http://localhost:11434",
	})
	require.NoError(t, err)

	names := registry.Names()
	assert.Contains(t, names, "mistral")
	assert.NotContains(t, names, "chatgpt", "external model without a key must not register")
}

func TestBuildRegistry_NoModelsIsAnError(t *testing.T) {
	_, err := buildRegistry(config.ModelSettings{})
	require.Error(t, err)
}

func TestNew_APITokenGatesRoutes(t *testing.T) {
	cfg := testSettings()
	cfg.Server.APIToken = "s3cret"

	svc, err := New(cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
