// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newMockOllamaServer creates a test server that returns streaming NDJSON.
func newMockOllamaServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// newTestOllamaClient creates an OllamaClient pointing to a test server.
func newTestOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		model:      model,
		streamCfg:  DefaultStreamConfig(),
	}
}

// =============================================================================
// GenerateStream Integration Tests (with Mock Server)
// =============================================================================

// TestGenerateStream_BasicSuccess tests successful streaming.
//
// # Description
//
// Verifies end-to-end streaming with a mock server returning
// multiple content chunks followed by a done chunk.
func TestGenerateStream_BasicSuccess(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("Expected path /api/generate, got %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "application/x-ndjson" {
			t.Errorf("Expected Accept: application/x-ndjson, got %s", r.Header.Get("Accept"))
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"Hello","done":false}`)
		fmt.Fprintln(w, `{"response":" there","done":false}`)
		fmt.Fprintln(w, `{"response":"!","done":false}`)
		fmt.Fprintln(w, `{"done":true,"done_reason":"stop"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	var response strings.Builder
	err := client.GenerateStream(context.Background(), "Hi", GenerationParams{}, func(token string) error {
		response.WriteString(token)
		return nil
	})

	if err != nil {
		t.Fatalf("GenerateStream returned error: %v", err)
	}
	if response.String() != "Hello there!" {
		t.Errorf("Expected 'Hello there!', got '%s'", response.String())
	}
}

// TestGenerateStream_ServerError tests handling of HTTP errors.
//
// # Description
//
// Verifies that non-200 HTTP responses surface as errors carrying
// the status code.
func TestGenerateStream_ServerError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":"internal server error"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	err := client.GenerateStream(context.Background(), "Hi", GenerationParams{}, func(string) error {
		return nil
	})

	if err == nil {
		t.Fatal("Expected error for 500 response, got nil")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("Expected error to mention status 500, got: %v", err)
	}
}

// TestGenerateStream_MalformedChunkSkipped tests resilience to bad lines.
//
// # Description
//
// Verifies that a malformed NDJSON line is skipped and the rest of
// the stream is still delivered.
func TestGenerateStream_MalformedChunkSkipped(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"Good","done":false}`)
		fmt.Fprintln(w, `{not valid json`)
		fmt.Fprintln(w, `{"response":" chunk","done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	var response strings.Builder
	err := client.GenerateStream(context.Background(), "Hi", GenerationParams{}, func(token string) error {
		response.WriteString(token)
		return nil
	})

	if err != nil {
		t.Fatalf("GenerateStream returned error: %v", err)
	}
	if response.String() != "Good chunk" {
		t.Errorf("Expected 'Good chunk', got '%s'", response.String())
	}
}

// TestGenerateStream_InlineError tests error chunks from the server.
//
// # Description
//
// Verifies that a chunk carrying an error field aborts the stream.
func TestGenerateStream_InlineError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	err := client.GenerateStream(context.Background(), "Hi", GenerationParams{}, func(string) error {
		return nil
	})

	if err == nil {
		t.Fatal("Expected error from error chunk, got nil")
	}
	if !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("Expected error to carry the server message, got: %v", err)
	}
}

// TestGenerateStream_CallbackError tests callback error propagation.
//
// # Description
//
// Verifies that a callback error aborts the stream and is returned
// wrapped to the caller.
func TestGenerateStream_CallbackError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"one","done":false}`)
		fmt.Fprintln(w, `{"response":"two","done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	callbackErr := errors.New("client disconnected")
	calls := 0
	err := client.GenerateStream(context.Background(), "Hi", GenerationParams{}, func(string) error {
		calls++
		return callbackErr
	})

	if err == nil {
		t.Fatal("Expected callback error to propagate, got nil")
	}
	if !errors.Is(err, callbackErr) {
		t.Errorf("Expected wrapped callback error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "callback") {
		t.Errorf("Expected error to mention callback, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected stream to stop after first callback error, got %d calls", calls)
	}
}

// TestGenerateStream_ResponseLengthLimit tests the length cap.
//
// # Description
//
// Verifies that a stream exceeding MaxResponseLength is aborted.
func TestGenerateStream_ResponseLengthLimit(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"aaaaaaaaaa","done":false}`)
		fmt.Fprintln(w, `{"response":"bbbbbbbbbb","done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")
	client.streamCfg = StreamConfig{MaxResponseLength: 15}

	err := client.GenerateStream(context.Background(), "Hi", GenerationParams{}, func(string) error {
		return nil
	})

	if err == nil {
		t.Fatal("Expected length limit error, got nil")
	}
	if !strings.Contains(err.Error(), "maximum length") {
		t.Errorf("Expected length limit error, got: %v", err)
	}
}

// TestGenerate_NonStreaming tests the blocking Generate path.
//
// # Description
//
// Verifies the non-streaming endpoint round trip and default
// generation options.
func TestGenerate_NonStreaming(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("Expected path /api/generate, got %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"model":"test-model","response":"The answer is 42","done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	answer, err := client.Generate(context.Background(), "What is the meaning of life?", GenerationParams{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if answer != "The answer is 42" {
		t.Errorf("Expected 'The answer is 42', got '%s'", answer)
	}
}
