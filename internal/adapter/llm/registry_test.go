package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codechat/internal/domain"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(newTestLogger())
	p := &mockProvider{name: "openai"}
	require.NoError(t, r.Register(p))

	got, err := r.Get("openai")
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry(newTestLogger())
	require.NoError(t, r.Register(&mockProvider{name: "openai"}))
	assert.Error(t, r.Register(&mockProvider{name: "openai"}))
	assert.ErrorIs(t, r.RegisterFactory("", nil), domain.ErrInvalidInput)
}

func TestRegistryNotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Equal(t, domain.CodeProviderNotFound, domain.ErrorCodeOf(err))
	assert.ErrorIs(t, r.Refresh("missing"), domain.ErrProviderNotFound)
}

func TestRegistryBuildsLazilyAndCaches(t *testing.T) {
	r := NewRegistry(newTestLogger())
	builds := 0
	require.NoError(t, r.RegisterFactory("claude", func() (domain.LLMProvider, error) {
		builds++
		return &mockProvider{name: "claude"}, nil
	}))
	assert.Zero(t, builds)

	a, err := r.Get("claude")
	require.NoError(t, err)
	b, err := r.Get("claude")
	require.NoError(t, err)

	assert.Equal(t, 1, builds)
	assert.Same(t, a, b)
}

func TestRegistryRefreshRebuilds(t *testing.T) {
	r := NewRegistry(newTestLogger())
	builds := 0
	require.NoError(t, r.RegisterFactory("claude", func() (domain.LLMProvider, error) {
		builds++
		return &mockProvider{name: "claude"}, nil
	}))

	var refreshed [][]string
	r.OnRefresh(func(names []string) { refreshed = append(refreshed, names) })

	first, _ := r.Get("claude")
	require.NoError(t, r.Refresh("claude"))
	second, _ := r.Get("claude")

	assert.Equal(t, 2, builds)
	assert.NotSame(t, first, second)
	assert.Equal(t, [][]string{{"claude"}}, refreshed)
}

func TestRegistryRefreshAll(t *testing.T) {
	r := NewRegistry(newTestLogger())
	builds := map[string]int{}
	for _, name := range []string{"b", "a"} {
		require.NoError(t, r.RegisterFactory(name, func() (domain.LLMProvider, error) {
			builds[name]++
			return &mockProvider{name: name}, nil
		}))
		_, err := r.Get(name)
		require.NoError(t, err)
	}

	var refreshed []string
	r.OnRefresh(func(names []string) { refreshed = names })
	r.RefreshAll()

	_, _ = r.Get("a")
	_, _ = r.Get("b")
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, builds)
	assert.Equal(t, []string{"a", "b"}, refreshed)
}

func TestRegistryFactoryErrorIsNotCached(t *testing.T) {
	r := NewRegistry(newTestLogger())
	fail := true
	require.NoError(t, r.RegisterFactory("bedrock", func() (domain.LLMProvider, error) {
		if fail {
			return nil, errors.New("no credentials")
		}
		return &mockProvider{name: "bedrock"}, nil
	}))

	_, err := r.Get("bedrock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")

	fail = false
	p, err := r.Get("bedrock")
	require.NoError(t, err)
	assert.Equal(t, "bedrock", p.Name())
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry(newTestLogger())
	for _, name := range []string{"ollama", "anthropic", "openai"} {
		require.NoError(t, r.Register(&mockProvider{name: name}))
	}
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, r.List())
}

func TestBlockingProviderHidesStreaming(t *testing.T) {
	inner := &mockStreamProvider{
		mockProvider: mockProvider{
			name: "s",
			chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
				return textResponse("whole"), nil
			},
		},
		streamFunc: func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
			t.Error("stream should not be used")
			return nil, nil
		},
	}

	p := NewBlockingProvider(inner)
	_, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrStreamingUnsupported)

	resp, err := p.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "whole", resp.Choices[0].Content)
	assert.Equal(t, "s", p.Name())
}
