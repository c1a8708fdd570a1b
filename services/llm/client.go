package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// TokenCallback receives each streamed piece of answer text. A
// non-nil return aborts the stream.
type TokenCallback func(token string) error

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, callback TokenCallback) error
}

// StreamConfig bounds a streamed generation.
type StreamConfig struct {
	// MaxResponseLength aborts the stream once the accumulated answer
	// exceeds this many bytes. Zero means the default.
	MaxResponseLength int
}

// DefaultStreamConfig returns the limits applied when none are given.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxResponseLength: 100 * 1024,
	}
}
