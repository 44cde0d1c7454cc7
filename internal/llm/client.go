// Package llm provides text-completion clients for the analysis pipeline.
package llm

import (
	"context"
	"fmt"
)

// Client is the capability the diagnosis pipeline consumes: one text
// completion per call, no tools, no streaming.
type Client interface {
	// Generate sends a system prompt and user prompt and returns the
	// model's text response. Fails with *Error on transport, quota, or
	// API errors.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Ping checks if the provider is reachable and authenticated.
	Ping(ctx context.Context) error
}

// Error is a typed LLM failure, distinguishing transport problems from
// API-level rejections (quota, bad request, overloaded).
type Error struct {
	Provider   string
	StatusCode int // 0 for transport errors
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
