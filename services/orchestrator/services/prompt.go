// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"fmt"
	"strings"

	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
)

// promptTemplate is the grounding prompt sent to every model. The
// refusal line is quoted so the model repeats it verbatim when the
// documents do not carry the answer.
const promptTemplate = `You are an intelligent assistant designed to help users answer business-related questions based on their own documents.

Use only the content from the DOCUMENTS section below to formulate your answer.
If the answer is not directly supported by the information in the documents, clearly say:

> "I'm sorry, but I could not find sufficient information in the provided documents to answer your question."

Respond in **English**.

DOCUMENTS:
%s

OPTIONAL CHAT HISTORY:
%s

USER QUESTION:
%s
`

// BuildPrompt assembles the model prompt from retrieved fragments,
// prior turns, and the user question. Fragment contents are joined by
// blank lines, history turns one per line as "role: content".
func BuildPrompt(fragments []datatypes.Fragment, history []datatypes.Message, question string) string {
	chunkTexts := make([]string, 0, len(fragments))
	for _, frag := range fragments {
		chunkTexts = append(chunkTexts, frag.Content)
	}

	historyLines := make([]string, 0, len(history))
	for _, msg := range history {
		historyLines = append(historyLines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}

	return fmt.Sprintf(promptTemplate,
		strings.Join(chunkTexts, "\n\n"),
		strings.Join(historyLines, "\n"),
		question,
	)
}
