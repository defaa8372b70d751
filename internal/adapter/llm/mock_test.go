package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"codechat/internal/domain"
	"codechat/internal/infra/config"
)

type mockProvider struct {
	name     string
	chatFunc func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return m.chatFunc(ctx, req)
}
func (m *mockProvider) Name() string { return m.name }

type mockStreamProvider struct {
	mockProvider
	streamFunc func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error)
}

func (m *mockStreamProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return m.streamFunc(ctx, req)
}

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// errorReadCloser returns some bytes and then fails.
type errorReadCloser struct {
	data []byte
	sent bool
}

func (e *errorReadCloser) Read(p []byte) (int, error) {
	if !e.sent {
		e.sent = true
		return copy(p, e.data), nil
	}
	return 0, fmt.Errorf("simulated body read error")
}

func (e *errorReadCloser) Close() error { return nil }

func newTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testProviderConfig(name, baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:    name,
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "test-model",
	}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// collect drains ch, failing the test if it does not close in time.
func collect(t *testing.T, ch <-chan domain.StreamDelta) []domain.StreamDelta {
	t.Helper()
	var out []domain.StreamDelta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("stream did not close")
			return out
		}
	}
}

// contentOf concatenates the increments of choice index.
func contentOf(deltas []domain.StreamDelta, index int) string {
	var s string
	for _, d := range deltas {
		for _, c := range d.Choices {
			if c.Index == index {
				s += c.Content
			}
		}
	}
	return s
}

func intp(v int) *int { return &v }

func textStream(parts ...string) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, len(parts)+1)
	for _, p := range parts {
		ch <- domain.StreamDelta{Choices: []domain.Choice{{Index: 0, Content: p}}}
	}
	ch <- domain.StreamDelta{Done: true}
	close(ch)
	return ch
}

func textResponse(content string) *domain.ChatResponse {
	return &domain.ChatResponse{Choices: []domain.Choice{{Index: 0, Content: content}}}
}
