// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingestion turns raw documents into embedded fragments: it
// normalizes content, infers a content type from the text, splits on
// semantic boundaries with a type-derived overlap, and keeps every
// fragment within a token budget.
package ingestion

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
)

// ContentType classifies document text for overlap selection.
type ContentType string

const (
	ContentLegal     ContentType = "legal"
	ContentTechnical ContentType = "technical"
	ContentNarrative ContentType = "narrative"
	ContentGeneral   ContentType = "general"
)

// approxCharsPerToken converts token budgets into character budgets
// when the tokenizer is unavailable.
const approxCharsPerToken = 4

// minOverlapTokens floors the computed overlap so adjacent fragments
// always share some context.
const minOverlapTokens = 50

// defaultOverlapRatios maps a content type to the fraction of the
// target used as fragment overlap. Legal text repeats defined terms
// across clauses and benefits from more shared context; narrative
// prose needs the least.
var defaultOverlapRatios = map[ContentType]float64{
	ContentLegal:     0.25,
	ContentTechnical: 0.20,
	ContentNarrative: 0.10,
	ContentGeneral:   0.15,
}

var legalIndicators = []string{
	"agreement", "contract", "liability", "indemnification",
	"warranty", "pursuant", "whereas", "jurisdiction",
	"herein", "thereof",
}

var technicalIndicators = []string{
	"api", "architecture", "specification", "implementation",
	"protocol", "algorithm", "endpoint", "deployment",
	"schema", "middleware",
}

// semanticSeparators is the split priority: paragraph breaks first,
// then list items, line breaks, sentence terminators, clause
// punctuation, whitespace, and a bare character boundary last.
var semanticSeparators = []string{
	"\n\n",
	"\n- ", "\n* ", "\n• ",
	"\n",
	". ", "! ", "? ",
	"; ", ": ", ", ",
	" ",
	"",
}

// fallbackSeparators is the simpler set used with the character-count
// approximation.
var fallbackSeparators = []string{"\n\n", "\n", " ", ""}

var blankLines = regexp.MustCompile(`\n{3,}`)

// Chunker splits document content into token-bounded fragments.
type Chunker struct {
	targetTokens  int
	maxTokenLimit int
	// encoder is nil when the tokenizer could not be loaded; token
	// counts then fall back to a character approximation.
	encoder       *tiktoken.Tiktoken
	overlapRatios map[ContentType]float64
}

// NewChunker builds a chunker aiming for targetTokens per fragment
// and never exceeding maxTokenLimit. A tokenizer load failure is not
// fatal; the chunker degrades to character-count approximation.
func NewChunker(targetTokens, maxTokenLimit int) (*Chunker, error) {
	if targetTokens < 1 {
		return nil, fmt.Errorf("target tokens must be positive, got %d", targetTokens)
	}
	if maxTokenLimit < targetTokens {
		return nil, fmt.Errorf("max token limit %d below target %d", maxTokenLimit, targetTokens)
	}
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("Tokenizer unavailable, chunking with character approximation", "error", err)
		encoder = nil
	}
	ratios := make(map[ContentType]float64, len(defaultOverlapRatios))
	for ct, ratio := range defaultOverlapRatios {
		ratios[ct] = ratio
	}
	return &Chunker{
		targetTokens:  targetTokens,
		maxTokenLimit: maxTokenLimit,
		encoder:       encoder,
		overlapRatios: ratios,
	}, nil
}

// SetOverlapRatio overrides the overlap ratio for one content type.
// Non-positive ratios are ignored.
func (c *Chunker) SetOverlapRatio(contentType ContentType, ratio float64) {
	if ratio > 0 {
		c.overlapRatios[contentType] = ratio
	}
}

// InferContentType scans the text for indicator vocabulary. Legal
// indicators win over technical ones; text matching neither set is
// general. Matching is on whole lowercased words.
func InferContentType(text string) ContentType {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[w] = struct{}{}
	}
	for _, indicator := range legalIndicators {
		if _, ok := words[indicator]; ok {
			return ContentLegal
		}
	}
	for _, indicator := range technicalIndicators {
		if _, ok := words[indicator]; ok {
			return ContentTechnical
		}
	}
	return ContentGeneral
}

// OverlapTokens computes the fragment overlap for a content type:
// target times the type ratio, floored at minOverlapTokens and capped
// at a third of the target. The cap wins when the two conflict so the
// overlap stays below the fragment size.
func (c *Chunker) OverlapTokens(contentType ContentType) int {
	ratio, ok := c.overlapRatios[contentType]
	if !ok {
		ratio = c.overlapRatios[ContentGeneral]
	}
	overlap := int(math.Round(float64(c.targetTokens) * ratio))
	if overlap < minOverlapTokens {
		overlap = minOverlapTokens
	}
	if ceiling := c.targetTokens / 3; overlap > ceiling {
		overlap = ceiling
	}
	return overlap
}

// Preprocess normalizes line endings, trims trailing whitespace per
// line, and collapses runs of blank lines.
func Preprocess(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = blankLines.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// Chunk splits the content into fragments.
//
// # Description
//
// The content type is inferred from the text itself and selects the
// overlap budget. Splitting walks the semantic separator priority
// measuring candidates in tokens; any fragment still above the hard
// limit is force-split on word boundaries. Fragment indices are
// zero-based and contiguous.
//
// # Edge cases
//
//   - Empty or whitespace content yields no fragments.
//   - Content shorter than the target yields one fragment at index 0.
//   - Non-empty input always yields at least one fragment; splitter
//     failures degrade to the character-approximation path instead of
//     erroring.
func (c *Chunker) Chunk(filename, content string) ([]datatypes.Fragment, error) {
	content = Preprocess(content)
	if content == "" {
		return nil, nil
	}

	overlap := c.OverlapTokens(InferContentType(content))
	chunks := c.split(content, overlap)

	fragments := make([]datatypes.Fragment, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		for _, piece := range c.enforceTokenLimit(chunk, overlap) {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			fragments = append(fragments, datatypes.Fragment{
				Content:    piece,
				Source:     filename,
				ChunkIndex: len(fragments),
			})
		}
	}
	return fragments, nil
}

// CountTokens measures text with the same tokenizer the limits use,
// or a character approximation when no tokenizer is loaded.
func (c *Chunker) CountTokens(text string) int {
	if c.encoder == nil {
		return (len(text) + approxCharsPerToken - 1) / approxCharsPerToken
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// split runs the semantic separator cascade with token-measured
// budgets, falling back to character budgets and the simpler
// separator set when the tokenizer is missing or the splitter fails.
func (c *Chunker) split(content string, overlapTokens int) []string {
	if c.encoder != nil {
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(c.targetTokens),
			textsplitter.WithChunkOverlap(overlapTokens),
			textsplitter.WithSeparators(semanticSeparators),
			textsplitter.WithLenFunc(c.CountTokens),
		)
		if chunks, err := splitter.SplitText(content); err == nil && len(chunks) > 0 {
			return chunks
		}
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.targetTokens*approxCharsPerToken),
		textsplitter.WithChunkOverlap(overlapTokens*approxCharsPerToken),
		textsplitter.WithSeparators(fallbackSeparators),
	)
	chunks, err := splitter.SplitText(content)
	if err != nil || len(chunks) == 0 {
		return []string{content}
	}
	return chunks
}

// enforceTokenLimit force-splits a fragment still above the hard
// limit on whitespace word boundaries, carrying overlapTokens/4 words
// between consecutive pieces. Start always advances, so the walk
// terminates.
func (c *Chunker) enforceTokenLimit(chunk string, overlapTokens int) []string {
	if c.CountTokens(chunk) <= c.maxTokenLimit {
		return []string{chunk}
	}

	words := strings.Fields(chunk)
	if len(words) < 2 {
		return c.splitOversizedWord(chunk)
	}

	// Per-word counts measured with a leading space so sums track the
	// joined text.
	counts := make([]int, len(words))
	for i, w := range words {
		counts[i] = c.CountTokens(" " + w)
	}

	overlapWords := overlapTokens / 4
	var pieces []string
	start := 0
	for start < len(words) {
		end, total := start, 0
		for end < len(words) {
			if end > start && total+counts[end] > c.targetTokens {
				break
			}
			total += counts[end]
			end++
		}
		if end == start+1 && counts[start] > c.maxTokenLimit {
			pieces = append(pieces, c.splitOversizedWord(words[start])...)
		} else {
			pieces = append(pieces, strings.Join(words[start:end], " "))
		}
		if end >= len(words) {
			break
		}
		next := end - overlapWords
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return pieces
}

// splitOversizedWord cuts a single word with no whitespace to split
// on into target-sized slices, by token ids when the tokenizer is
// loaded and by runes otherwise.
func (c *Chunker) splitOversizedWord(word string) []string {
	var pieces []string
	if c.encoder != nil {
		ids := c.encoder.Encode(word, nil, nil)
		for start := 0; start < len(ids); start += c.targetTokens {
			end := min(start+c.targetTokens, len(ids))
			pieces = append(pieces, c.encoder.Decode(ids[start:end]))
		}
		return pieces
	}
	runes := []rune(word)
	size := c.targetTokens * approxCharsPerToken
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

// ContentTypeFor infers a MIME type from the filename.
func ContentTypeFor(filename string) string {
	switch filepath.Ext(strings.ToLower(filename)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	case ".html", ".htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
