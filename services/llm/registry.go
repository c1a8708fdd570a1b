// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ModelNotAllowedError signals a request named a model outside the
// configured allow-list.
type ModelNotAllowedError struct {
	Model   string
	Allowed []string
}

func (e *ModelNotAllowedError) Error() string {
	return fmt.Sprintf("Model '%s' is not supported. Please choose one of: [%s]",
		e.Model, strings.Join(e.Allowed, ", "))
}

// IsModelNotAllowed reports whether err is a ModelNotAllowedError.
func IsModelNotAllowed(err error) bool {
	var notAllowed *ModelNotAllowedError
	return errors.As(err, &notAllowed)
}

// Registry maps allowed model names to their backends. Model names
// are matched case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]LLMClient
	local   map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]LLMClient),
		local:   make(map[string]bool),
	}
}

// Register adds a model backend under the given name. local marks
// whether the backend runs on-premise.
func (r *Registry) Register(name string, client LLMClient, local bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	r.clients[key] = client
	r.local[key] = local
}

// Resolve returns the backend for the named model, or a
// ModelNotAllowedError listing the valid choices.
func (r *Registry) Resolve(name string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if client, ok := r.clients[strings.ToLower(name)]; ok {
		return client, nil
	}
	return nil, &ModelNotAllowedError{Model: name, Allowed: r.namesLocked()}
}

// Names lists the registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// IsLocal reports whether the named model runs on-premise. Unknown
// names report false.
func (r *Registry) IsLocal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local[strings.ToLower(name)]
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
