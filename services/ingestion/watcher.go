// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow lets editors finish writing before a dropped file is
// picked up.
const debounceWindow = 500 * time.Millisecond

var watchedExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true,
	".csv": true, ".json": true, ".html": true, ".htm": true,
}

// Watcher ingests files dropped into a directory.
type Watcher struct {
	dir     string
	svc     *Service
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher builds a watcher over dir feeding the ingestion service.
func NewWatcher(dir string, svc *Service) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("watch directory not set")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		svc:     svc,
		watcher: fsWatcher,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Run processes filesystem events until the context is cancelled.
// Each created or modified file is ingested after a short debounce so
// partially written files are not picked up mid-write.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	slog.Info("Watching drop directory for documents", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.scheduleIngest(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleIngest(ctx context.Context, path string) {
	ext := strings.ToLower(filepath.Ext(path))
	if !watchedExtensions[ext] {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Reset(debounceWindow)
		return
	}
	w.timers[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := w.svc.IngestFile(ctx, path); err != nil {
			slog.Error("Failed to ingest dropped file", "path", path, "error", err)
		}
	})
}
