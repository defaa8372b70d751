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
	_ domain.LLMProvider          = (*GeminiProvider)(nil)
	_ domain.StreamingLLMProvider = (*GeminiProvider)(nil)
)

// GeminiProvider implements domain.LLMProvider for the Google Gemini API.
type GeminiProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewGeminiProvider creates a provider for the Google Gemini API.
func NewGeminiProvider(cfg config.ProviderConfig, logger *slog.Logger) *GeminiProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	return &GeminiProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		now:     time.Now,
	}
}

// Name implements domain.LLMProvider.
func (p *GeminiProvider) Name() string { return p.name }

func (p *GeminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.apiKey}
}

// Chat implements domain.LLMProvider.
func (p *GeminiProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
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

	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)

	respBody, _, err := doJSONRequest(ctx, p.client, url, body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var gemResp geminiResponse
	if err := json.Unmarshal(respBody, &gemResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromGeminiResponse(gemResp, req.Model, p.now())
	setUsageAttrs(span, result.Metadata)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)

	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider. Every chunk repeats
// the cumulative usage counters.
func (p *GeminiProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, req.Model)

	httpResp, err := doStreamRequest(ctx, p.client, url, body, p.headers())
	if err != nil {
		return nil, err
	}

	return parseSSEStream(ctx, p.logger, httpResp.Body, nil, parseGeminiChunk), nil
}

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount  int      `json:"candidateCount,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsage          `json:"usageMetadata,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Index        int           `json:"index"`
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     *int `json:"promptTokenCount"`
	CandidatesTokenCount *int `json:"candidatesTokenCount"`
}

type geminiPromptFeedback struct {
	BlockReason   string               `json:"blockReason,omitempty"`
	SafetyRatings []geminiSafetyRating `json:"safetyRatings,omitempty"`
}

type geminiSafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
	Blocked     bool   `json:"blocked,omitempty"`
}

func toGeminiRequest(req domain.ChatRequest) geminiRequest {
	gemReq := geminiRequest{}

	var system []geminiPart
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		gemReq.Contents = append(gemReq.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if len(system) > 0 {
		gemReq.SystemInstruction = &geminiContent{Parts: system}
	}

	gc := geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	if req.Choices > 1 {
		gc.CandidateCount = req.Choices
	}
	if req.Temperature > 0 {
		t := req.Temperature
		gc.Temperature = &t
	}
	if gc != (geminiGenerationConfig{}) {
		gemReq.GenerationConfig = &gc
	}
	return gemReq
}

func fromGeminiResponse(resp geminiResponse, model string, now time.Time) *domain.ChatResponse {
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	return &domain.ChatResponse{
		Model:     model,
		CreatedAt: now,
		Choices:   geminiChoices(resp.Candidates),
		Metadata:  geminiMetadata(resp),
	}
}

func parseGeminiChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	return &domain.StreamDelta{
		Choices:  geminiChoices(chunk.Candidates),
		Metadata: geminiMetadata(chunk),
	}, nil
}

func geminiChoices(cands []geminiCandidate) []domain.Choice {
	if len(cands) == 0 {
		return nil
	}
	out := make([]domain.Choice, 0, len(cands))
	for _, c := range cands {
		var text strings.Builder
		for _, part := range c.Content.Parts {
			text.WriteString(part.Text)
		}
		out = append(out, domain.Choice{Index: c.Index, Content: text.String(), FinishReason: c.FinishReason})
	}
	return out
}

// geminiMetadata maps usage, model version and prompt safety feedback.
// Safety ratings become the prompt's content filters.
func geminiMetadata(resp geminiResponse) *domain.MetadataReport {
	md := &domain.MetadataReport{}
	if resp.UsageMetadata != nil {
		md.Usage = usageReport(resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount)
	}
	if resp.ModelVersion != "" {
		md.Properties = map[string]any{"model": resp.ModelVersion}
	}
	if fb := resp.PromptFeedback; fb != nil {
		pf := domain.PromptFilter{PromptIndex: 0, ContentFilters: make(map[string]domain.ContentFilterResult)}
		for _, r := range fb.SafetyRatings {
			pf.ContentFilters[r.Category] = domain.ContentFilterResult{Filtered: r.Blocked, Severity: r.Probability}
		}
		if fb.BlockReason != "" {
			if md.Properties == nil {
				md.Properties = map[string]any{}
			}
			md.Properties["block_reason"] = fb.BlockReason
		}
		md.Prompt = domain.PromptMetadata{pf}
	}
	if md.Usage == nil && md.Properties == nil && md.Prompt == nil {
		return nil
	}
	return md
}
