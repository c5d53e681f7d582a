// Package llm defines the provider contract the worker drives agents and
// classifiers through, plus the Anthropic implementation.
package llm

import "context"

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the uniform non-streaming result.
type Response struct {
	Text  string
	Usage Usage
}

// Client is the uniform provider contract: a non-streaming generate and a
// streaming variant that emits chunks and returns usage at the end.
type Client interface {
	// Generate performs one non-streaming completion. system may be empty.
	Generate(ctx context.Context, model, system, prompt string) (*Response, error)

	// GenerateStream performs a streaming completion, invoking onChunk for
	// each text fragment, and returns the full text with usage.
	GenerateStream(ctx context.Context, model, system, prompt string, onChunk func(chunk string)) (*Response, error)
}
