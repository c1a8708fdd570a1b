// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package security enforces the confidentiality boundary between
// documents and models. Local models may see every confidentiality
// level; external (hosted) models never see confidential content.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opendocqa/docassist/services/orchestrator/datatypes"
)

// ConfidentialityConfidential is the level that external models must
// never see. Comparisons are case-insensitive.
const ConfidentialityConfidential = "confidential"

// =============================================================================
// Errors
// =============================================================================

// AccessDeniedError signals that a model was refused access to
// confidential content before any retrieval or generation happened.
type AccessDeniedError struct {
	Model   string
	Message string
}

func (e *AccessDeniedError) Error() string {
	return e.Message
}

// IsAccessDenied reports whether err is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var accessErr *AccessDeniedError
	return errors.As(err, &accessErr)
}

// =============================================================================
// Gate
// =============================================================================

// DocumentReader looks up confidentiality levels for document ids.
// Ids that do not exist are silently skipped.
type DocumentReader interface {
	ConfidentialityByIDs(ctx context.Context, ids []string) ([]string, error)
}

// Gate decides what a given model may see.
//
// # Description
//
//	Trust is keyed on the model name: names in the local list are
//	fully trusted, names in the external list are restricted, and
//	unlisted names follow the trustUnknown policy. The gate is used
//	twice per request: Authorize before retrieval (pre-flight, fails
//	closed on lookup errors) and Filter after retrieval (post-hoc,
//	drops anything an external model must not see).
type Gate struct {
	local        map[string]struct{}
	external     map[string]struct{}
	trustUnknown bool
	docs         DocumentReader
}

// NewGate builds a gate from the configured model lists. docs may be
// nil when no registry exists; Authorize then skips the pre-flight
// lookup and relies on Filter alone.
func NewGate(local, external []string, trustUnknown bool, docs DocumentReader) *Gate {
	g := &Gate{
		local:        make(map[string]struct{}, len(local)),
		external:     make(map[string]struct{}, len(external)),
		trustUnknown: trustUnknown,
		docs:         docs,
	}
	for _, name := range local {
		g.local[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range external {
		g.external[strings.ToLower(name)] = struct{}{}
	}
	return g
}

// IsLocal reports whether the named model is fully trusted. Unknown
// names follow the configured policy and are logged loudly so a
// misconfigured deployment is visible.
func (g *Gate) IsLocal(model string) bool {
	key := strings.ToLower(strings.TrimSpace(model))
	if _, ok := g.local[key]; ok {
		return true
	}
	if _, ok := g.external[key]; ok {
		return false
	}
	slog.Warn("Model not present in local or external list, applying unknown-model policy",
		"model", model,
		"trusted", g.trustUnknown)
	return g.trustUnknown
}

// Authorize checks, before any retrieval happens, whether the model
// may serve a request that pins the given documents.
//
// # Description
//
//	Local models pass unconditionally. For external models the
//	selected documents are looked up in the registry; if any of them
//	is confidential the request is refused. A failed lookup is treated
//	as if confidential content were present, so the gate fails closed.
//
// # Outputs
//
//   - error: *AccessDeniedError when the request must be refused, a
//     wrapped lookup error never escapes as success.
func (g *Gate) Authorize(ctx context.Context, model string, selectedIDs []string) error {
	if g.IsLocal(model) {
		return nil
	}
	if len(selectedIDs) == 0 || g.docs == nil {
		return nil
	}

	levels, err := g.docs.ConfidentialityByIDs(ctx, selectedIDs)
	if err != nil {
		// Fail closed: an unreadable registry must not leak content.
		slog.Error("Confidentiality lookup failed, refusing external model access",
			"model", model,
			"error", err)
		return g.denied(model)
	}

	for _, level := range levels {
		if strings.EqualFold(level, ConfidentialityConfidential) {
			return g.denied(model)
		}
	}
	return nil
}

func (g *Gate) denied(model string) error {
	return &AccessDeniedError{
		Model: model,
		Message: fmt.Sprintf("External model '%s' cannot access confidential documents. "+
			"Please use a local model or remove confidential files.", model),
	}
}

// Filter drops fragments the model must not see. Local models get the
// input back untouched. External models keep only fragments whose
// confidentiality is empty, public, or internal.
func (g *Gate) Filter(fragments []datatypes.Fragment, model string) []datatypes.Fragment {
	if len(fragments) == 0 {
		return fragments
	}
	if g.IsLocal(model) {
		return fragments
	}

	filtered := make([]datatypes.Fragment, 0, len(fragments))
	for _, frag := range fragments {
		level := strings.ToLower(frag.Confidentiality)
		if level == "" || level == "public" || level == "internal" {
			filtered = append(filtered, frag)
		}
	}
	return filtered
}
