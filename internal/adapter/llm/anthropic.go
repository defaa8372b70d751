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
	"golang.org/x/sync/errgroup"

	"codechat/internal/domain"
	"codechat/internal/infra/config"
	"codechat/internal/infra/tracer"
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*AnthropicProvider)(nil)
	_ domain.StreamingLLMProvider = (*AnthropicProvider)(nil)
)

// AnthropicProvider implements domain.LLMProvider for the Anthropic Messages API.
type AnthropicProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	version string
	now     func() time.Time
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		version: defaultAnthropicVersion,
		now:     time.Now,
	}
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}
}

// Chat implements domain.LLMProvider. The Messages API returns a single
// alternative, so a request for n choices is issued n times concurrently.
func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.choices", max(req.Choices, 1)),
		),
	)
	defer span.End()

	n := max(req.Choices, 1)
	results := make([]*domain.ChatResponse, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			resp, err := p.chatOnce(gctx, req)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	result := mergeAnthropicResults(results)
	setUsageAttrs(span, result.Metadata)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

func (p *AnthropicProvider) chatOnce(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toAnthropicRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, header, err := doJSONRequest(ctx, p.client, p.baseURL+"/v1/messages", body, p.headers())
	if err != nil {
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return fromAnthropicResponse(antResp, anthropicRateLimitHeaders.parse(header, p.now()), p.now()), nil
}

// ChatStream implements domain.StreamingLLMProvider. Multi-choice requests
// are not streamable and report ErrStreamingUnsupported.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Choices > 1 {
		return nil, fmt.Errorf("anthropic: %d choices: %w", req.Choices, domain.ErrStreamingUnsupported)
	}
	if req.Model == "" {
		req.Model = p.model
	}

	antReq := toAnthropicRequest(req)
	antReq.Stream = true

	body, err := json.Marshal(antReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/v1/messages", body, p.headers())
	if err != nil {
		return nil, err
	}

	lead := headerReport(anthropicRateLimitHeaders.parse(httpResp.Header, p.now()))
	return parseSSEStream(ctx, p.logger, httpResp.Body, lead, parseAnthropicEvent), nil
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

// --- Anthropic streaming wire types ---

type anthropicStreamEvent struct {
	Type    string                `json:"type"`
	Index   int                   `json:"index"`
	Message *anthropicResponse    `json:"message,omitempty"`
	Delta   *anthropicStreamDelta `json:"delta,omitempty"`
	Usage   *anthropicUsage       `json:"usage,omitempty"`
	Error   *anthropicError       `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// parseAnthropicEvent maps one Messages API stream event. Usage arrives in
// two halves: message_start carries the input count, message_delta the
// output count.
func parseAnthropicEvent(data []byte) (*domain.StreamDelta, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}

	switch evt.Type {
	case "message_start":
		if evt.Message == nil {
			return nil, nil
		}
		return &domain.StreamDelta{Metadata: &domain.MetadataReport{
			Properties: anthropicProperties(evt.Message.ID, evt.Message.Model, ""),
			Usage:      usageReport(evt.Message.Usage.InputTokens, nil),
		}}, nil

	case "content_block_delta":
		if evt.Delta == nil || evt.Delta.Type != "text_delta" {
			return nil, nil
		}
		return &domain.StreamDelta{Choices: []domain.Choice{{Index: 0, Content: evt.Delta.Text}}}, nil

	case "message_delta":
		md := &domain.MetadataReport{}
		if evt.Usage != nil {
			md.Usage = usageReport(nil, evt.Usage.OutputTokens)
		}
		if evt.Delta != nil && evt.Delta.StopReason != "" {
			md.Properties = map[string]any{"stop_reason": evt.Delta.StopReason}
		}
		return &domain.StreamDelta{Metadata: md}, nil

	case "message_stop":
		return &domain.StreamDelta{Done: true}, nil

	case "error":
		return &domain.StreamDelta{Err: anthropicStreamErr(evt.Error)}, nil

	default:
		return nil, nil
	}
}

func anthropicStreamErr(e *anthropicError) error {
	if e == nil {
		return fmt.Errorf("%w: unknown stream error", domain.ErrProviderError)
	}
	switch e.Type {
	case "rate_limit_error":
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, e.Message)
	case "authentication_error", "permission_error":
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, e.Message)
	default:
		return fmt.Errorf("%w: %s: %s", domain.ErrProviderError, e.Type, e.Message)
	}
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	antReq := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = defaultAnthropicMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		antReq.Temperature = &t
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		antReq.Messages = append(antReq.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}
	antReq.System = strings.Join(system, "\n\n")
	return antReq
}

func fromAnthropicResponse(resp anthropicResponse, rl domain.RateLimit, now time.Time) *domain.ChatResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		CreatedAt: now,
		Choices:   []domain.Choice{{Index: 0, Content: text.String(), FinishReason: resp.StopReason}},
		Metadata: &domain.MetadataReport{
			Properties: anthropicProperties(resp.ID, resp.Model, resp.StopReason),
			Usage:      usageReport(resp.Usage.InputTokens, resp.Usage.OutputTokens),
			RateLimit:  rl,
		},
	}
}

// mergeAnthropicResults folds the responses of a fanned-out request into
// one response with choice i taken from results[i]. Token counts add up
// since each call is billed separately.
func mergeAnthropicResults(results []*domain.ChatResponse) *domain.ChatResponse {
	if len(results) == 1 {
		return results[0]
	}

	merged := &domain.ChatResponse{
		ID:        results[0].ID,
		Model:     results[0].Model,
		CreatedAt: results[0].CreatedAt,
		Metadata:  &domain.MetadataReport{Properties: results[0].Metadata.Properties},
	}
	var prompt, generation int
	var promptSeen, generationSeen bool
	for i, r := range results {
		c := r.Choices[0]
		c.Index = i
		merged.Choices = append(merged.Choices, c)
		if u := r.Metadata.Usage; u != nil {
			if u.PromptTokens != nil {
				prompt += *u.PromptTokens
				promptSeen = true
			}
			if u.GenerationTokens != nil {
				generation += *u.GenerationTokens
				generationSeen = true
			}
		}
		if !r.Metadata.RateLimit.IsZero() {
			merged.Metadata.RateLimit = r.Metadata.RateLimit
		}
	}
	var pp, gp *int
	if promptSeen {
		pp = &prompt
	}
	if generationSeen {
		gp = &generation
	}
	merged.Metadata.Usage = usageReport(pp, gp)
	return merged
}

func anthropicProperties(id, model, stopReason string) map[string]any {
	props := map[string]any{}
	if id != "" {
		props["id"] = id
	}
	if model != "" {
		props["model"] = model
	}
	if stopReason != "" {
		props["stop_reason"] = stopReason
	}
	if len(props) == 0 {
		return nil
	}
	return props
}
