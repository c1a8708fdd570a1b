// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opendocqa/docassist/services/llm"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
)

// ListModels returns a handler that lists the configured models.
//
// # Description
//
// Handles GET /v1/models requests. Returns every registered model with
// its locality flag, so clients can warn before routing a question to an
// external model.
func ListModels(registry *llm.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		names := registry.Names()
		models := make([]datatypes.ModelInfo, 0, len(names))
		for _, name := range names {
			models = append(models, datatypes.ModelInfo{
				Name:  name,
				Local: registry.IsLocal(name),
			})
		}
		c.JSON(http.StatusOK, gin.H{"models": models})
	}
}

// HealthCheck reports service liveness.
//
// Handles GET /health requests.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
