package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "ollama").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
// A delta without choices carries metadata only.
type StreamDelta struct {
	Choices  []Choice        `json:"choices,omitempty"`
	Metadata *MetadataReport `json:"metadata,omitempty"`
	Done     bool            `json:"done,omitempty"`
	// Err reports a transport failure. It is always the last delta sent.
	Err error `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	// It returns ErrStreamingUnsupported, before producing anything, when the
	// backend cannot stream this request.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// ProviderResolver looks up a backend by name.
type ProviderResolver interface {
	Get(name string) (LLMProvider, error)
}
