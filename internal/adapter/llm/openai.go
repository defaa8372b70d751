package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"codechat/internal/domain"
	"codechat/internal/infra/config"
	"codechat/internal/infra/tracer"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*OpenAIProvider)(nil)
	_ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)
)

// OpenAIProvider implements domain.LLMProvider for any OpenAI-compatible API.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	// extra headers sent with every request, after Authorization.
	extra map[string]string
}

const openAIBaseURL = "https://api.openai.com/v1"

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	return newOpenAICompatible(cfg, logger, openAIBaseURL, nil)
}

// newOpenAICompatible builds a provider for a service speaking the OpenAI
// wire format. defaultURL applies when cfg carries no base URL.
func newOpenAICompatible(cfg config.ProviderConfig, logger *slog.Logger, defaultURL string, extra map[string]string) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultURL
	}

	return &OpenAIProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		now:     time.Now,
		extra:   extra,
	}
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) headers() map[string]string {
	h := make(map[string]string, len(p.extra)+1)
	for k, v := range p.extra {
		h[k] = v
	}
	if p.apiKey != "" {
		h["Authorization"] = "Bearer " + p.apiKey
	}
	return h
}

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	req.Stream = false
	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, header, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromOpenAIResponse(oaiResp, openAIRateLimitHeaders.parse(header, p.now()))
	setUsageAttrs(span, result.Metadata)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)

	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider. Usage is requested via
// stream_options and arrives in a final chunk without choices.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	req.Stream = true

	oaiReq := toOpenAIRequest(req)
	oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		return nil, err
	}

	lead := headerReport(openAIRateLimitHeaders.parse(httpResp.Header, p.now()))
	return parseSSEStream(ctx, p.logger, httpResp.Body, lead, parseOpenAIChunk), nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	N             int                  `json:"n,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type openaiResponse struct {
	ID                  string               `json:"id"`
	Model               string               `json:"model"`
	Choices             []openaiChoice       `json:"choices"`
	Usage               *openaiUsage         `json:"usage"`
	Created             int64                `json:"created"`
	SystemFingerprint   string               `json:"system_fingerprint,omitempty"`
	PromptFilterResults []openaiPromptFilter `json:"prompt_filter_results,omitempty"`
	// Provider names the upstream a router (e.g. OpenRouter) dispatched to.
	Provider string `json:"provider,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// openaiUsage counters are pointers so absent fields stay absent.
type openaiUsage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
}

// openaiPromptFilter is the Azure OpenAI moderation block for one prompt.
type openaiPromptFilter struct {
	PromptIndex          int                                  `json:"prompt_index"`
	ContentFilterResults map[string]openaiContentFilterResult `json:"content_filter_results"`
}

type openaiContentFilterResult struct {
	Filtered bool   `json:"filtered"`
	Severity string `json:"severity,omitempty"`
}

type openaiStreamChunk struct {
	ID                  string               `json:"id"`
	Model               string               `json:"model"`
	Choices             []openaiStreamChoice `json:"choices"`
	Usage               *openaiUsage         `json:"usage,omitempty"`
	SystemFingerprint   string               `json:"system_fingerprint,omitempty"`
	PromptFilterResults []openaiPromptFilter `json:"prompt_filter_results,omitempty"`
	Error               *openaiStreamError   `json:"error,omitempty"`
	Provider            string               `json:"provider,omitempty"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content string `json:"content,omitempty"`
}

type openaiStreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openaiMessage{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	oaiReq := openaiRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		oaiReq.Temperature = &t
	}
	if req.Choices > 1 {
		oaiReq.N = req.Choices
	}
	return oaiReq
}

func fromOpenAIResponse(resp openaiResponse, rl domain.RateLimit) *domain.ChatResponse {
	result := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0),
		Choices:   make([]domain.Choice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		result.Choices = append(result.Choices, domain.Choice{
			Index:        c.Index,
			Content:      c.Message.Content,
			FinishReason: c.FinishReason,
		})
	}

	md := &domain.MetadataReport{
		Properties: openaiProperties(resp.ID, resp.Model, resp.SystemFingerprint, resp.Provider),
		Prompt:     fromOpenAIPromptFilters(resp.PromptFilterResults),
		RateLimit:  rl,
	}
	if resp.Usage != nil {
		md.Usage = usageReport(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	result.Metadata = md
	return result
}

// parseOpenAIChunk maps one streaming chunk. Completion is signalled by the
// [DONE] sentinel, not finish_reason, since with n > 1 choices finish
// independently and usage follows the last one.
func parseOpenAIChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	if chunk.Error != nil {
		return &domain.StreamDelta{
			Err: fmt.Errorf("%w: %s: %s", domain.ErrProviderError, chunk.Error.Type, chunk.Error.Message),
		}, nil
	}

	delta := &domain.StreamDelta{}
	for _, c := range chunk.Choices {
		ch := domain.Choice{Index: c.Index, Content: c.Delta.Content}
		if c.FinishReason != nil {
			ch.FinishReason = *c.FinishReason
		}
		delta.Choices = append(delta.Choices, ch)
	}

	md := &domain.MetadataReport{
		Properties: openaiProperties(chunk.ID, chunk.Model, chunk.SystemFingerprint, chunk.Provider),
		Prompt:     fromOpenAIPromptFilters(chunk.PromptFilterResults),
	}
	if chunk.Usage != nil {
		md.Usage = usageReport(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
	}
	if md.Properties != nil || md.Usage != nil || len(md.Prompt) > 0 {
		delta.Metadata = md
	}
	return delta, nil
}

func openaiProperties(id, model, fingerprint, upstream string) map[string]any {
	props := map[string]any{}
	if id != "" {
		props["id"] = id
	}
	if model != "" {
		props["model"] = model
	}
	if fingerprint != "" {
		props["system_fingerprint"] = fingerprint
	}
	if upstream != "" {
		props["upstream_provider"] = upstream
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

func fromOpenAIPromptFilters(in []openaiPromptFilter) domain.PromptMetadata {
	if len(in) == 0 {
		return nil
	}
	out := make(domain.PromptMetadata, 0, len(in))
	for _, f := range in {
		pf := domain.PromptFilter{PromptIndex: f.PromptIndex}
		if len(f.ContentFilterResults) > 0 {
			pf.ContentFilters = make(map[string]domain.ContentFilterResult, len(f.ContentFilterResults))
			for k, v := range f.ContentFilterResults {
				pf.ContentFilters[k] = domain.ContentFilterResult{Filtered: v.Filtered, Severity: v.Severity}
			}
		}
		out = append(out, pf)
	}
	return out
}
