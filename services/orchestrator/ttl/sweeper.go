// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("docassist.orchestrator.ttl")

// SessionPruner deletes sessions whose last activity predates cutoff
// and returns the ids that were removed. *store.Store satisfies this.
type SessionPruner interface {
	DeleteSessionsInactiveSince(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SweeperConfig holds the retention settings for the session sweeper.
//
// # Fields
//
//   - SessionTTL: How long an idle session is kept. Zero disables the
//     sweeper entirely.
//   - Interval: How often the background sweep runs.
type SweeperConfig struct {
	SessionTTL time.Duration
	Interval   time.Duration
}

// DefaultSweeperConfig returns the production defaults: sessions are
// kept for 30 days of inactivity and the sweep runs hourly.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SessionTTL: 30 * 24 * time.Hour,
		Interval:   1 * time.Hour,
	}
}

// Sweeper periodically prunes idle sessions.
//
// # Description
//
// Runs a background goroutine on a fixed interval. Each cycle computes
// the retention cutoff from the clock and asks the pruner to delete
// everything older. Uses the ticker + done channel pattern for
// graceful shutdown.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use.
type Sweeper struct {
	pruner SessionPruner
	clock  Clock
	config SweeperConfig

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	running bool
}

// NewSweeper creates a session-retention sweeper. A nil clock falls
// back to the system clock; zero config fields take defaults.
func NewSweeper(pruner SessionPruner, clock Clock, config SweeperConfig) *Sweeper {
	if pruner == nil {
		panic("ttl: pruner is required")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	return &Sweeper{
		pruner: pruner,
		clock:  clock,
		config: config,
	}
}

// Start launches the background sweep loop. Returns an error if the
// sweeper is already running. A non-positive SessionTTL makes Start a
// no-op so callers can wire the sweeper unconditionally.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.config.SessionTTL <= 0 {
		slog.Info("Session retention sweeper disabled", "session_ttl", s.config.SessionTTL)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("ttl: sweeper already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.loop(ctx, s.done, s.stopped)

	slog.Info("Session retention sweeper started",
		"session_ttl", s.config.SessionTTL,
		"interval", s.config.Interval)
	return nil
}

// Stop signals the sweep loop to exit and waits for it to finish.
// Calling Stop on a sweeper that never started is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	close(done)
	<-stopped
	slog.Info("Session retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				slog.Error("Session retention sweep failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single sweep cycle and returns how many sessions
// were removed. Exposed so operators can trigger an immediate sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "ttl.RunOnce")
	defer span.End()

	cutoff := s.clock.Now().Add(-s.config.SessionTTL)
	expired, err := s.pruner.DeleteSessionsInactiveSince(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		return 0, fmt.Errorf("prune sessions before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	span.SetAttributes(attribute.Int("ttl.sessions_removed", len(expired)))
	if len(expired) > 0 {
		slog.Info("Pruned idle sessions",
			"count", len(expired),
			"cutoff", cutoff.Format(time.RFC3339))
	}
	return len(expired), nil
}
