// Package llm provides the inference boundary for the coach engine.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks a transport-level inference failure (network,
// backend outage, timeout). Callers fall back to a safe reply instead
// of failing the turn.
var ErrUnavailable = errors.New("llm backend unavailable")

// GenerationParams tunes one inference call. Nil fields use backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Message is one chat message passed to a backend.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate runs a single-prompt completion.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat runs a multi-message completion with an optional system
	// prompt (empty string to omit).
	Chat(ctx context.Context, system string, messages []Message, params GenerationParams) (string, error)
}

// NewClient builds a backend by name: "openai" or "ollama".
func NewClient(backend string) (LLMClient, error) {
	switch backend {
	case "openai":
		return NewOpenAIClient()
	case "ollama":
		return NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown llm backend %q", backend)
	}
}
