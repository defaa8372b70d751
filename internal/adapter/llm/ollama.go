package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"codechat/internal/domain"
	"codechat/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
)

const (
	ollamaDefaultBaseURL     = "http://localhost:11434"
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second // first token waits for the model to load
	ollamaKeepAlive          = "5m"
	maxTagsBody              = 4 << 20
)

// OllamaProvider talks to a local Ollama server. Chat traffic goes through
// the OpenAI-compatible /v1 surface; health, model presence and warmup use
// the native API.
type OllamaProvider struct {
	chat    *OpenAIProvider
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaProvider creates an OllamaProvider. No API key is sent.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if cfg.RespTimeout == 0 {
		cfg.RespTimeout = ollamaDefaultRespTimeout
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	client := NewHTTPClient(cfg)

	return &OllamaProvider{
		chat: &OpenAIProvider{
			name:    cfg.Name,
			model:   cfg.Model,
			baseURL: baseURL + "/v1",
			client:  client,
			logger:  logger,
			now:     time.Now,
		},
		model:   cfg.Model,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

func (p *OllamaProvider) Name() string { return p.chat.Name() }

func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.chat.Chat(ctx, req)
}

// ChatStream streams a single choice. The compatible endpoint ignores n, so
// multi-choice requests are reported as unsupported and go the blocking way.
func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Choices > 1 {
		return nil, fmt.Errorf("ollama: %d choices: %w", req.Choices, domain.ErrStreamingUnsupported)
	}
	return p.chat.ChatStream(ctx, req)
}

func (p *OllamaProvider) native(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client.Do(req)
}

// IsHealthy reports whether the server answers on its root path.
func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	resp, err := p.native(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HasModel reports whether the configured model has been pulled. A bare
// name matches its ":latest" tag.
func (p *OllamaProvider) HasModel(ctx context.Context) (bool, error) {
	resp, err := p.native(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false, fmt.Errorf("ollama: list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTagsBody))
	if err != nil {
		return false, fmt.Errorf("ollama: read models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, mapHTTPError(resp.StatusCode, body)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return false, fmt.Errorf("ollama: decode models: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == p.model || m.Name == p.model+":latest" {
			return true, nil
		}
	}
	return false, nil
}

// Warmup loads the model into memory without generating, so the first
// exchange does not pay the load time.
func (p *OllamaProvider) Warmup(ctx context.Context) error {
	body, err := json.Marshal(struct {
		Model     string `json:"model"`
		KeepAlive string `json:"keep_alive"`
	}{p.model, ollamaKeepAlive})
	if err != nil {
		return fmt.Errorf("ollama: encode warmup: %w", err)
	}

	start := time.Now()
	resp, err := p.native(ctx, http.MethodPost, "/api/generate", body)
	if err != nil {
		return fmt.Errorf("ollama: warmup %s: %w", p.baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: warmup %s: status %d: %w", p.model, resp.StatusCode, domain.ErrProviderError)
	}
	p.logger.Debug("ollama model loaded", "provider", p.Name(), "model", p.model, "took", time.Since(start))
	return nil
}
