package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"codechat/internal/domain"
)

// Listener republishes exchange lifecycle events on an EventBus so that
// decoupled subscribers can follow exchanges without holding a listener.
type Listener struct {
	Bus domain.EventBus
}

// NewListener returns a Listener publishing on bus.
func NewListener(bus domain.EventBus) *Listener {
	return &Listener{Bus: bus}
}

func (l *Listener) ExchangeStarted(ctx context.Context, e domain.Started) {
	l.publish(ctx, domain.EventExchangeStarted, e.At, domain.ExchangeStartedPayload{
		ExchangeID: e.ID,
		Provider:   e.Provider,
		Model:      e.Model,
		Streaming:  e.Streaming,
	})
}

func (l *Listener) ResponseArriving(ctx context.Context, e domain.Arriving) {
	var delta string
	for _, c := range e.Chunk.Choices {
		if c.Index == 0 {
			delta += c.Content
		}
	}
	var content string
	if m, ok := e.Primary(); ok {
		content = m.Content
	}
	l.publish(ctx, domain.EventExchangeArriving, e.At, domain.ExchangeArrivingPayload{
		ExchangeID: e.ID,
		Delta:      delta,
		Content:    content,
		Choices:    len(e.Assembled),
	})
}

func (l *Listener) ResponseArrived(ctx context.Context, e domain.Arrived) {
	contents := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		contents[i] = m.Content
	}
	l.publish(ctx, domain.EventExchangeArrived, e.At, domain.ExchangeArrivedPayload{
		ExchangeID: e.ID,
		Contents:   contents,
		Usage:      e.Metadata.Usage(),
		RateLimit:  e.Metadata.RateLimit(),
		DurationMS: e.Duration.Milliseconds(),
	})
}

func (l *Listener) ExchangeFailed(ctx context.Context, e domain.Failed) {
	msg := ""
	if e.Cause != nil {
		msg = e.Cause.Error()
	}
	l.publish(ctx, domain.EventExchangeFailed, e.At, domain.ExchangeFailedPayload{
		ExchangeID: e.ID,
		Error:      msg,
		Code:       e.Code,
	})
}

func (l *Listener) publish(ctx context.Context, eventType domain.EventType, at time.Time, payload any) {
	if l == nil || l.Bus == nil {
		return
	}
	var raw json.RawMessage
	if data, err := json.Marshal(payload); err == nil {
		raw = data
	}
	l.Bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: at,
		SessionID: domain.SessionIDFromContext(ctx),
		Payload:   raw,
	})
}
