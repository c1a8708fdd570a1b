// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation rewrites follow-up questions into standalone
// search queries. Mid-conversation questions like "what about the
// second one?" retrieve poorly because the referent lives in earlier
// turns; the expander asks a local model to fold that context back
// into the question before it reaches the retriever.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opendocqa/docassist/services/llm"
)

var tracer = otel.Tracer("docassist.orchestrator.conversation")

// Turn is one prior exchange in the conversation, oldest first.
type Turn struct {
	Role    string
	Content string
}

// QueryExpander rewrites a question using conversation history.
// Implementations must be safe for concurrent use.
type QueryExpander interface {
	// Expand returns a standalone version of question. With no
	// history the question comes back unchanged. Expansion is best
	// effort: callers should fall back to the original question on
	// error.
	Expand(ctx context.Context, question string, history []Turn) (string, error)
}

const (
	defaultMaxTurns  = 6
	defaultTimeout   = 10 * time.Second
	defaultMaxTokens = 128

	// A rewrite much longer than the original is almost always the
	// model answering the question instead of reformulating it.
	maxGrowthFactor = 4
)

// LLMExpander reformulates questions with a model from the registry.
// The rewrite prompt runs against a local model only, so conversation
// content never leaves the deployment during expansion.
type LLMExpander struct {
	client    llm.LLMClient
	maxTurns  int
	timeout   time.Duration
	maxTokens int
}

var _ QueryExpander = (*LLMExpander)(nil)

// NewLLMExpander creates an expander backed by client.
func NewLLMExpander(client llm.LLMClient) *LLMExpander {
	if client == nil {
		panic("conversation: client is required")
	}
	return &LLMExpander{
		client:    client,
		maxTurns:  defaultMaxTurns,
		timeout:   defaultTimeout,
		maxTokens: defaultMaxTokens,
	}
}

// Expand rewrites question into a standalone search query.
func (e *LLMExpander) Expand(ctx context.Context, question string, history []Turn) (string, error) {
	ctx, span := tracer.Start(ctx, "conversation.Expand")
	defer span.End()

	question = strings.TrimSpace(question)
	if question == "" || len(history) == 0 {
		span.SetAttributes(attribute.Bool("expansion.skipped", true))
		return question, nil
	}

	prompt := e.buildPrompt(question, history)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	maxTokens := e.maxTokens
	temperature := float32(0)
	raw, err := e.client.Generate(ctx, prompt, llm.GenerationParams{
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expansion failed")
		return question, fmt.Errorf("expand query: %w", err)
	}

	rewritten := sanitizeRewrite(raw)
	if rewritten == "" || len(rewritten) > maxGrowthFactor*max(len(question), 64) {
		slog.Debug("Discarding unusable query rewrite",
			"original_len", len(question),
			"rewritten_len", len(rewritten))
		span.SetAttributes(attribute.Bool("expansion.discarded", true))
		return question, nil
	}

	span.SetAttributes(attribute.Bool("expansion.rewritten", rewritten != question))
	return rewritten, nil
}

func (e *LLMExpander) buildPrompt(question string, history []Turn) string {
	if len(history) > e.maxTurns {
		history = history[len(history)-e.maxTurns:]
	}

	var b strings.Builder
	b.WriteString("Rewrite the follow-up question as a single standalone question that can be understood without the conversation. ")
	b.WriteString("Resolve pronouns and references using the conversation. ")
	b.WriteString("Reply with the rewritten question only, no explanation.\n\nConversation:\n")
	for _, turn := range history {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nFollow-up question: ")
	b.WriteString(question)
	b.WriteString("\nStandalone question:")
	return b.String()
}

// sanitizeRewrite keeps only the first line of the model output and
// strips quoting the model tends to add.
func sanitizeRewrite(raw string) string {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.Trim(line, `"'`)
	return strings.TrimSpace(line)
}
