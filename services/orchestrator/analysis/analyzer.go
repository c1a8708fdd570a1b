// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis classifies user questions and turns the
// classification into a retrieval context budget. The analyzer is
// pure string work with no I/O, so it carries no context parameters.
package analysis

import (
	"regexp"
	"strings"
)

// =============================================================================
// Classification Results
// =============================================================================

// QueryType labels what kind of answer a question is after.
type QueryType string

const (
	QueryTypeFact       QueryType = "fact"
	QueryTypeProcess    QueryType = "process"
	QueryTypeComparison QueryType = "comparison"
	QueryTypeAnalysis   QueryType = "analysis"
	QueryTypeSummary    QueryType = "summary"
)

// Scope labels how much of the corpus a question is likely to touch.
type Scope string

const (
	ScopeSpecific Scope = "specific"
	ScopeBroad    Scope = "broad"
	ScopeOverview Scope = "overview"
)

// Complexity is the combined difficulty level of a question.
type Complexity string

const (
	ComplexitySimple        Complexity = "simple"
	ComplexityMedium        Complexity = "medium"
	ComplexityComplex       Complexity = "complex"
	ComplexityComprehensive Complexity = "comprehensive"
)

// Analysis is the full classification of one question.
type Analysis struct {
	QueryType  QueryType
	Scope      Scope
	Complexity Complexity
	WordCount  int
	Score      int
	// ContextBudget is the recommended number of fragments to
	// retrieve for this question, already clamped to the analyzer's
	// bounds.
	ContextBudget int
}

// =============================================================================
// Classification Patterns
// =============================================================================

// Query type patterns are checked in order; the first family with a
// match wins and fact is the fallback.
var (
	summaryPatterns = compileAll(
		`\b(summarize|summary|overview|all|complete|entire|main)\b`,
		`\bwhat (is|are) (all|the main|the key)\b`,
		`\bgive me (an overview|a summary)\b`,
	)
	analysisPatterns = compileAll(
		`\b(analyze|analysis|evaluate|assessment|compare|comparison)\b`,
		`\b(strengths?|weaknesses?|pros?|cons?|advantages?|disadvantages?)\b`,
		`\b(why|how does|what makes|what are the benefits)\b`,
	)
	processPatterns = compileAll(
		`\b(how (do|does)|process|procedure|methodology|steps?|approach)\b`,
		`\b(implement|setup|configure|install|deploy)\b`,
		`\bwhat is the (process|procedure|way)\b`,
	)
	comparisonPatterns = compileAll(
		`\b(compare|comparison|versus|vs|difference|differences)\b`,
		`\b(better|best|worse|worst|prefer|choice)\b`,
		`\bwhich (is|are|should)\b`,
	)
)

var overviewKeywords = []string{
	"overview", "summary", "all", "complete", "entire", "main",
	"key", "overall", "general", "total", "comprehensive",
}

var specificPatterns = compileAll(
	`\b(what is the|who is|when|where|which)\b`,
	`\b(price|cost|email|phone|address|contact)\b`,
	`\b\d+\b`,
	`\b[A-Z][a-zA-Z]+ [A-Z][a-zA-Z]+\b`,
)

var broadKeywords = []string{
	"services", "features", "capabilities", "offerings", "products",
	"team", "members", "staff", "requirements", "specifications",
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// =============================================================================
// Scoring Tables
// =============================================================================

var typeScores = map[QueryType]int{
	QueryTypeFact:       1,
	QueryTypeProcess:    2,
	QueryTypeComparison: 3,
	QueryTypeAnalysis:   4,
	QueryTypeSummary:    4,
}

var scopeScores = map[Scope]int{
	ScopeSpecific: 1,
	ScopeBroad:    2,
	ScopeOverview: 3,
}

var baseChunks = map[Complexity]int{
	ComplexitySimple:        5,
	ComplexityMedium:        10,
	ComplexityComplex:       15,
	ComplexityComprehensive: 25,
}

// =============================================================================
// Analyzer
// =============================================================================

// Analyzer sizes retrieval budgets from question text alone.
type Analyzer struct {
	minChunks int
	maxChunks int
}

// NewAnalyzer returns an analyzer whose budgets stay within
// [minChunks, maxChunks].
func NewAnalyzer(minChunks, maxChunks int) *Analyzer {
	return &Analyzer{minChunks: minChunks, maxChunks: maxChunks}
}

// Analyze classifies the question and computes its context budget.
//
// # Description
//
//	The query type is matched in a fixed family order (summary,
//	analysis, process, comparison) with fact as the fallback. Scope
//	checks overview keywords first, then specific patterns, then broad
//	keywords, defaulting to broad. The complexity score is the sum of
//	the type score, the scope score, and a word-count bucket; the
//	score maps to a complexity level which selects the base budget.
//
// # Edge cases
//
//   - An empty or whitespace question classifies as a fact question
//     with zero words, yielding the minimum budget.
func (a *Analyzer) Analyze(query string) Analysis {
	lowered := strings.ToLower(strings.TrimSpace(query))
	wordCount := len(strings.Fields(query))

	queryType := classifyType(lowered)
	scope := classifyScope(lowered)

	score := typeScores[queryType] + scopeScores[scope] + wordCountScore(wordCount)
	complexity := complexityFor(score)

	return Analysis{
		QueryType:     queryType,
		Scope:         scope,
		Complexity:    complexity,
		WordCount:     wordCount,
		Score:         score,
		ContextBudget: a.budgetFor(queryType, scope, complexity),
	}
}

// OptimalChunks adjusts the context budget for corpus availability.
// availableDocs is nil when the document count is unknown.
func (a *Analyzer) OptimalChunks(query string, availableDocs *int) int {
	base := a.Analyze(query)

	if availableDocs == nil {
		return base.ContextBudget
	}
	switch {
	case *availableDocs == 0:
		return 0
	case *availableDocs == 1:
		if base.Complexity == ComplexityComplex || base.Complexity == ComplexityComprehensive {
			return min(base.ContextBudget+5, a.maxChunks)
		}
		return base.ContextBudget
	case *availableDocs <= 3:
		return base.ContextBudget
	default:
		if base.Complexity == ComplexityComprehensive {
			return min(base.ContextBudget+3, a.maxChunks)
		}
		return base.ContextBudget
	}
}

func classifyType(lowered string) QueryType {
	switch {
	case anyMatch(summaryPatterns, lowered):
		return QueryTypeSummary
	case anyMatch(analysisPatterns, lowered):
		return QueryTypeAnalysis
	case anyMatch(processPatterns, lowered):
		return QueryTypeProcess
	case anyMatch(comparisonPatterns, lowered):
		return QueryTypeComparison
	default:
		return QueryTypeFact
	}
}

func classifyScope(lowered string) Scope {
	for _, kw := range overviewKeywords {
		if strings.Contains(lowered, kw) {
			return ScopeOverview
		}
	}
	if anyMatch(specificPatterns, lowered) {
		return ScopeSpecific
	}
	for _, kw := range broadKeywords {
		if strings.Contains(lowered, kw) {
			return ScopeBroad
		}
	}
	return ScopeBroad
}

func wordCountScore(n int) int {
	switch {
	case n <= 5:
		return 1
	case n <= 10:
		return 2
	case n <= 20:
		return 3
	default:
		return 4
	}
}

func complexityFor(score int) Complexity {
	switch {
	case score <= 3:
		return ComplexitySimple
	case score <= 5:
		return ComplexityMedium
	case score <= 7:
		return ComplexityComplex
	default:
		return ComplexityComprehensive
	}
}

func (a *Analyzer) budgetFor(queryType QueryType, scope Scope, complexity Complexity) int {
	chunks := baseChunks[complexity]

	// Summaries need wide coverage; pinpoint facts need less.
	if queryType == QueryTypeSummary {
		chunks += 5
	} else if queryType == QueryTypeFact && scope == ScopeSpecific {
		chunks = max(a.minChunks, chunks-2)
	} else if queryType == QueryTypeAnalysis {
		chunks += 3
	}

	return max(a.minChunks, min(chunks, a.maxChunks))
}
