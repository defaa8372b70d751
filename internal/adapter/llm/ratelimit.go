package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"codechat/internal/domain"
)

var (
	_ domain.LLMProvider          = (*RateLimitedProvider)(nil)
	_ domain.StreamingLLMProvider = (*RateLimitedProvider)(nil)
)

// RateLimitedProvider throttles outgoing calls with a token bucket so a
// busy session does not run into the backend's own limits.
type RateLimitedProvider struct {
	inner   domain.LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows perMinute calls per minute with a burst of
// one. perMinute <= 0 disables throttling.
func NewRateLimitedProvider(inner domain.LLMProvider, perMinute int) *RateLimitedProvider {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &RateLimitedProvider{inner: inner, limiter: rate.NewLimiter(limit, 1)}
}

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("provider %q: %w: %w", p.inner.Name(), domain.ErrRateLimit, err)
	}
	return nil
}

// Chat implements domain.LLMProvider.
func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider. A backend that cannot
// stream is reported before a token is taken, so the blocking fallback is
// not charged twice.
func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", p.inner.Name(), domain.ErrStreamingUnsupported)
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return sp.ChatStream(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }
