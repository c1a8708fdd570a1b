// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command docassist runs the document QA orchestrator.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/opendocqa/docassist/services/orchestrator"
	"github.com/opendocqa/docassist/services/orchestrator/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("DOCASSIST_CONFIG"), "path to the YAML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	svc, err := orchestrator.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}

	slog.Info("docassist orchestrator starting",
		"addr", cfg.Server.Addr(),
		"default_model", cfg.Models.Default)
	if err := svc.Run(); err != nil {
		slog.Error("Service exited", "error", err)
		os.Exit(1)
	}
}
