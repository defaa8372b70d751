package llm

import (
	"context"
	"fmt"

	"codechat/internal/domain"
)

var _ domain.StreamingLLMProvider = BlockingProvider{}

// BlockingProvider hides the streaming capability of a backend. Its
// ChatStream always reports ErrStreamingUnsupported, so every exchange
// takes the single blocking call.
type BlockingProvider struct {
	domain.LLMProvider
}

// NewBlockingProvider wraps inner.
func NewBlockingProvider(inner domain.LLMProvider) BlockingProvider {
	return BlockingProvider{LLMProvider: inner}
}

// ChatStream implements domain.StreamingLLMProvider.
func (p BlockingProvider) ChatStream(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return nil, fmt.Errorf("provider %q: streaming disabled: %w", p.Name(), domain.ErrStreamingUnsupported)
}
