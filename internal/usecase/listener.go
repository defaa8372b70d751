package usecase

import (
	"context"
	"log/slog"

	"codechat/internal/domain"
)

// MultiListener fans each exchange event out to several listeners in order.
type MultiListener []domain.ExchangeListener

// NewMultiListener drops nil entries.
func NewMultiListener(ls ...domain.ExchangeListener) MultiListener {
	out := make(MultiListener, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m MultiListener) ExchangeStarted(ctx context.Context, e domain.Started) {
	for _, l := range m {
		l.ExchangeStarted(ctx, e)
	}
}

func (m MultiListener) ResponseArriving(ctx context.Context, e domain.Arriving) {
	for _, l := range m {
		l.ResponseArriving(ctx, e)
	}
}

func (m MultiListener) ResponseArrived(ctx context.Context, e domain.Arrived) {
	for _, l := range m {
		l.ResponseArrived(ctx, e)
	}
}

func (m MultiListener) ExchangeFailed(ctx context.Context, e domain.Failed) {
	for _, l := range m {
		l.ExchangeFailed(ctx, e)
	}
}

// ExchangeCancelled forwards to the members that implement domain.CancelListener.
func (m MultiListener) ExchangeCancelled(ctx context.Context, id string, cause error) {
	for _, l := range m {
		if cl, ok := l.(domain.CancelListener); ok {
			cl.ExchangeCancelled(ctx, id, cause)
		}
	}
}

// LogListener writes lifecycle transitions to a structured logger.
type LogListener struct {
	Logger *slog.Logger
}

func (l LogListener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogListener) ExchangeStarted(ctx context.Context, e domain.Started) {
	l.logger().DebugContext(ctx, "exchange started",
		"exchange_id", e.ID,
		"provider", e.Provider,
		"model", e.Model,
		"streaming", e.Streaming,
	)
}

func (l LogListener) ResponseArriving(ctx context.Context, e domain.Arriving) {
	l.logger().DebugContext(ctx, "response arriving",
		"exchange_id", e.ID,
		"choices", len(e.Chunk.Choices),
	)
}

func (l LogListener) ResponseArrived(ctx context.Context, e domain.Arrived) {
	u := e.Metadata.Usage()
	l.logger().InfoContext(ctx, "response arrived",
		"exchange_id", e.ID,
		"choices", len(e.Messages),
		"prompt_tokens", u.PromptTokens,
		"generation_tokens", u.GenerationTokens,
		"duration", e.Duration,
	)
}

func (l LogListener) ExchangeCancelled(ctx context.Context, id string, cause error) {
	l.logger().DebugContext(ctx, "exchange cancelled", "exchange_id", id, "cause", cause)
}

func (l LogListener) ExchangeFailed(ctx context.Context, e domain.Failed) {
	l.logger().WarnContext(ctx, "exchange failed",
		"exchange_id", e.ID,
		"code", e.Code,
		"error", e.Cause,
	)
}
