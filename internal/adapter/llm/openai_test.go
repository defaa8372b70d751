package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codechat/internal/domain"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p := NewOpenAIProvider(testProviderConfig("openai", server.URL), newTestLogger())
	p.now = fixedClock
	return p
}

func TestOpenAIProviderChat(t *testing.T) {
	var got openaiRequest
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("x-ratelimit-remaining-requests", "42")
		w.Header().Set("x-ratelimit-reset-tokens", "1s")
		fmt.Fprint(w, `{
			"id": "chatcmpl-123",
			"model": "gpt-4o-mini",
			"created": 1700000000,
			"system_fingerprint": "fp_1",
			"choices": [
				{"index": 0, "message": {"role": "assistant", "content": "Hello!"}, "finish_reason": "stop"},
				{"index": 1, "message": {"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}
			],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
			"prompt_filter_results": [
				{"prompt_index": 0, "content_filter_results": {"hate": {"filtered": false, "severity": "safe"}}}
			]
		}`)
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages:    []domain.Message{{Role: domain.RoleSystem, Content: "be brief"}, {Role: domain.RoleUser, Content: "Hi"}},
		MaxTokens:   64,
		Temperature: 0.5,
		Choices:     2,
	})
	require.NoError(t, err)

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, 2, got.N)
	assert.Equal(t, 64, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.5, *got.Temperature, 1e-9)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)

	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, time.Unix(1700000000, 0), resp.CreatedAt)
	require.Len(t, resp.Choices, 2)
	assert.Equal(t, "Hello!", resp.Choices[0].Content)
	assert.Equal(t, 1, resp.Choices[1].Index)
	assert.Equal(t, "stop", resp.Choices[1].FinishReason)

	md := resp.Metadata
	require.NotNil(t, md)
	assert.Equal(t, 10, *md.Usage.PromptTokens)
	assert.Equal(t, 5, *md.Usage.GenerationTokens)
	assert.Equal(t, "fp_1", md.Properties["system_fingerprint"])
	assert.Equal(t, int64(42), md.RateLimit.RequestsRemaining)
	assert.Equal(t, time.Second, md.RateLimit.TokensReset)
	require.Len(t, md.Prompt, 1)
	assert.Equal(t, "safe", md.Prompt[0].ContentFilters["hate"].Severity)
}

func TestOpenAIProviderChatWithoutUsage(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Nil(t, resp.Metadata.Usage)
	assert.True(t, resp.Metadata.RateLimit.IsZero())
}

func TestOpenAIProviderChatHTTPError(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	})

	_, err := p.Chat(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrRateLimit)
}

func TestOpenAIProviderChatBadJSON(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	})

	_, err := p.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal response")
}

func TestOpenAIProviderChatTransportError(t *testing.T) {
	p := NewOpenAIProvider(testProviderConfig("openai", "http://example.invalid"), newTestLogger())
	p.client = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("connection refused")
	})}

	_, err := p.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOpenAIProviderStream(t *testing.T) {
	var got openaiRequest
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-ratelimit-remaining-tokens", "900")
		chunks := []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}},{"index":1,"delta":{"content":"Hey"}}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"index":1,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":8,"completion_tokens":4}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
		Choices:  2,
	})
	require.NoError(t, err)
	deltas := collect(t, ch)

	assert.True(t, got.Stream)
	require.NotNil(t, got.StreamOptions)
	assert.True(t, got.StreamOptions.IncludeUsage)

	require.Len(t, deltas, 6)
	assert.Equal(t, int64(900), deltas[0].Metadata.RateLimit.TokensRemaining, "headers arrive first")
	assert.Empty(t, deltas[0].Choices)

	assert.Equal(t, "Hello", contentOf(deltas, 0))
	assert.Equal(t, "Hey", contentOf(deltas, 1))
	assert.Equal(t, "stop", deltas[2].Choices[0].FinishReason)
	assert.False(t, deltas[2].Done, "finish_reason does not end the stream")

	usage := deltas[4].Metadata.Usage
	require.NotNil(t, usage)
	assert.Equal(t, 8, *usage.PromptTokens)
	assert.Equal(t, 4, *usage.GenerationTokens)
	assert.True(t, deltas[5].Done)
}

func TestOpenAIProviderStreamErrorChunk(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\",\"type\":\"server_error\"}}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"never\"}}]}\n\n")
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	deltas := collect(t, ch)

	require.Len(t, deltas, 2)
	assert.Equal(t, "par", contentOf(deltas, 0))
	assert.ErrorIs(t, deltas[1].Err, domain.ErrProviderError)
	assert.Contains(t, deltas[1].Err.Error(), "overloaded")
}

func TestOpenAIProviderStreamHTTPError(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestOpenAIProviderStreamBrokenBody(t *testing.T) {
	p := NewOpenAIProvider(testProviderConfig("openai", "http://example.invalid"), newTestLogger())
	p.client = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       &errorReadCloser{data: []byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n")},
		}, nil
	})}

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	deltas := collect(t, ch)

	require.Len(t, deltas, 2)
	assert.Equal(t, "a", contentOf(deltas, 0))
	assert.ErrorIs(t, deltas[1].Err, domain.ErrStreamBroken)
}

func TestOpenAIProviderOmitsEmptyKey(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.False(t, strings.Contains(string(body), `"n"`), "n is omitted for a single choice")
		fmt.Fprint(w, `{"choices":[]}`)
	})
	p.apiKey = ""

	resp, err := p.Chat(context.Background(), domain.ChatRequest{Choices: 1})
	require.NoError(t, err)
	assert.Empty(t, resp.Choices)
}

func TestParseOpenAIChunkMetadataOnly(t *testing.T) {
	d, err := parseOpenAIChunk([]byte(`{"choices":[],"prompt_filter_results":[{"prompt_index":0,"content_filter_results":{"violence":{"filtered":true,"severity":"high"}}}]}`))
	require.NoError(t, err)
	assert.Empty(t, d.Choices)
	require.NotNil(t, d.Metadata)
	assert.True(t, d.Metadata.Prompt[0].ContentFilters["violence"].Filtered)

	d, err = parseOpenAIChunk([]byte(`{"choices":[]}`))
	require.NoError(t, err)
	assert.Nil(t, d.Metadata)

	_, err = parseOpenAIChunk([]byte(`{`))
	assert.Error(t, err)
}
