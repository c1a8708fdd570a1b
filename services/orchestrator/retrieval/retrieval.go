// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval sizes and runs the fragment search for a
// question. It decides how many fragments to fetch from the analyzer
// budget and where to fetch them from based on the retrieval mode.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opendocqa/docassist/services/orchestrator/analysis"
	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("docassist.retrieval")

// hybridSelectedShare is the portion of the budget reserved for the
// user-selected documents in hybrid mode.
const hybridSelectedShare = 0.6

// Searcher runs semantic searches, either corpus-wide or restricted
// to a document set.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]datatypes.Fragment, error)
	SearchWithin(ctx context.Context, query string, limit int, documentIDs []string) ([]datatypes.Fragment, error)
}

// DocumentCounter reports the registry size, used to adapt the budget
// to corpus availability.
type DocumentCounter interface {
	CountDocuments(ctx context.Context) (int, error)
}

// Result is what retrieval hands to the generation pipeline.
type Result struct {
	Fragments []datatypes.Fragment
	Analysis  analysis.Analysis
	// Budget is the fragment count retrieval aimed for; fewer may
	// come back when the corpus is small or a search leg failed.
	Budget int
}

// Orchestrator runs the retrieval pipeline for one question.
type Orchestrator struct {
	searcher Searcher
	counter  DocumentCounter
	analyzer *analysis.Analyzer
}

// NewOrchestrator wires the retrieval pipeline. counter may be nil;
// the budget then skips the availability adjustment.
func NewOrchestrator(searcher Searcher, counter DocumentCounter, analyzer *analysis.Analyzer) *Orchestrator {
	return &Orchestrator{
		searcher: searcher,
		counter:  counter,
		analyzer: analyzer,
	}
}

// Retrieve fetches context fragments for the question.
//
// # Description
//
//	The question is analyzed to size the budget, adjusted for how
//	many documents are available: the selection size when documents
//	are pinned, the corpus count otherwise. Mode all searches the
//	whole corpus,
//	selected_only searches inside the pinned documents, and hybrid
//	splits the budget 60/40 between the pinned documents and the rest
//	of the corpus with the pinned share first. Modes that need a
//	selection fall back to all when none was given.
//
// # Edge cases
//
//   - A failed search leg yields an empty fragment list, not an
//     error; generation proceeds without context.
//   - In hybrid mode duplicate fragments from the corpus-wide leg
//     are dropped.
func (o *Orchestrator) Retrieve(ctx context.Context, question, mode string, selectedIDs []string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Retrieve")
	defer span.End()

	// Step 1: Size the budget. A pinned selection bounds availability
	// to its own size; only without one does the corpus count apply.
	var available *int
	if len(selectedIDs) > 0 {
		count := len(selectedIDs)
		available = &count
	} else if o.counter != nil {
		if count, err := o.counter.CountDocuments(ctx); err != nil {
			slog.Warn("Document count unavailable, using base budget", "error", err)
		} else {
			available = &count
		}
	}

	result := &Result{Analysis: o.analyzer.Analyze(question)}
	result.Budget = o.analyzer.OptimalChunks(question, available)

	span.SetAttributes(
		attribute.String("retrieval.mode", mode),
		attribute.Int("retrieval.budget", result.Budget),
		attribute.String("query.complexity", string(result.Analysis.Complexity)),
	)

	if result.Budget == 0 {
		result.Fragments = []datatypes.Fragment{}
		return result, nil
	}

	// Step 2: Run the search legs for the mode.
	if len(selectedIDs) == 0 && mode != datatypes.RetrievalModeAll {
		slog.Debug("No documents selected, falling back to corpus-wide retrieval", "mode", mode)
		mode = datatypes.RetrievalModeAll
	}

	switch mode {
	case datatypes.RetrievalModeSelectedOnly:
		result.Fragments = o.searchLeg(ctx, question, result.Budget, selectedIDs)
	case datatypes.RetrievalModeHybrid:
		result.Fragments = o.hybrid(ctx, question, result.Budget, selectedIDs)
	case datatypes.RetrievalModeAll:
		result.Fragments = o.searchLeg(ctx, question, result.Budget, nil)
	default:
		return nil, fmt.Errorf("unknown retrieval mode %q", mode)
	}

	slog.Info("Retrieval complete",
		"mode", mode,
		"budget", result.Budget,
		"found", len(result.Fragments),
		"complexity", result.Analysis.Complexity)
	return result, nil
}

// hybrid fills round(60%) of the budget from the selected documents
// and the remainder from the whole corpus, selected fragments first.
func (o *Orchestrator) hybrid(ctx context.Context, question string, budget int, selectedIDs []string) []datatypes.Fragment {
	selectedBudget := int(math.Round(hybridSelectedShare * float64(budget)))
	if selectedBudget < 1 {
		selectedBudget = 1
	}
	if selectedBudget > budget {
		selectedBudget = budget
	}
	globalBudget := budget - selectedBudget

	fragments := o.searchLeg(ctx, question, selectedBudget, selectedIDs)

	if globalBudget > 0 {
		seen := make(map[string]struct{}, len(fragments))
		for _, frag := range fragments {
			seen[fragmentKey(frag)] = struct{}{}
		}
		for _, frag := range o.searchLeg(ctx, question, globalBudget+len(fragments), nil) {
			if len(fragments) >= budget {
				break
			}
			if _, dup := seen[fragmentKey(frag)]; dup {
				continue
			}
			seen[fragmentKey(frag)] = struct{}{}
			fragments = append(fragments, frag)
		}
	}
	return fragments
}

func (o *Orchestrator) searchLeg(ctx context.Context, question string, limit int, documentIDs []string) []datatypes.Fragment {
	var (
		fragments []datatypes.Fragment
		err       error
	)
	if len(documentIDs) > 0 {
		fragments, err = o.searcher.SearchWithin(ctx, question, limit, documentIDs)
	} else {
		fragments, err = o.searcher.Search(ctx, question, limit)
	}
	if err != nil {
		slog.Error("Fragment search failed, continuing without its results",
			"restricted", len(documentIDs) > 0,
			"error", err)
		return []datatypes.Fragment{}
	}
	if fragments == nil {
		fragments = []datatypes.Fragment{}
	}
	return fragments
}

func fragmentKey(frag datatypes.Fragment) string {
	return fmt.Sprintf("%s#%d", frag.DocumentID, frag.ChunkIndex)
}
