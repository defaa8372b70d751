package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"codechat/internal/domain"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*FailoverProvider)(nil)
	_ domain.StreamingLLMProvider = (*FailoverProvider)(nil)
)

// FailoverProvider wraps a primary LLM provider with fallback providers.
// If the primary fails, it tries each fallback in order.
type FailoverProvider struct {
	primary   domain.LLMProvider
	fallbacks []domain.LLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

func (f *FailoverProvider) chain() []domain.LLMProvider {
	out := make([]domain.LLMProvider, 0, 1+len(f.fallbacks))
	out = append(out, f.primary)
	return append(out, f.fallbacks...)
}

// Chat tries the primary provider first, then each fallback on failure.
// It stops early once ctx is done.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for i, p := range f.chain() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "provider", p.Name())
			}
			return resp, nil
		}
		f.logger.Warn("LLM call failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// ChatStream tries streaming from the primary, then each fallback. When
// no candidate could start a stream and at least one of them cannot stream
// at all, it reports ErrStreamingUnsupported so the caller falls back to
// Chat, which walks the same chain.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	unsupported := false

	for i, p := range f.chain() {
		sp, ok := p.(domain.StreamingLLMProvider)
		if !ok {
			unsupported = true
			continue
		}
		ch, err := sp.ChatStream(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("streaming failover succeeded", "provider", p.Name())
			}
			return ch, nil
		}
		if errors.Is(err, domain.ErrStreamingUnsupported) {
			unsupported = true
			continue
		}
		f.logger.Warn("streaming LLM failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("all streaming providers failed: %w", errors.Join(errs...))
		}
	}

	if unsupported {
		return nil, fmt.Errorf("failover %s: %w", f.Name(), domain.ErrStreamingUnsupported)
	}
	return nil, fmt.Errorf("all streaming providers failed: %w", errors.Join(errs...))
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
