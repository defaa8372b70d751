package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"codechat/internal/domain"
	"codechat/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// doJSONRequest performs a JSON POST request and returns the response body
// and headers. Non-200 responses are mapped to domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, http.Header, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, httpResp.Header, nil
}

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

// logChatCompleted logs the standard debug message after a successful LLM chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	args := []any{
		"provider", providerName,
		"model", result.Model,
		"choices", len(result.Choices),
	}
	if result.Metadata != nil && result.Metadata.Usage != nil {
		if u := result.Metadata.Usage; u.PromptTokens != nil && u.GenerationTokens != nil {
			args = append(args, "tokens", *u.PromptTokens+*u.GenerationTokens)
		}
	}
	logger.Debug("llm chat completed", args...)
}

// setUsageAttrs adds the reported token counters to a trace span.
func setUsageAttrs(span trace.Span, md *domain.MetadataReport) {
	if md == nil || md.Usage == nil {
		return
	}
	if md.Usage.PromptTokens != nil {
		span.SetAttributes(tracer.IntAttr("llm.prompt_tokens", *md.Usage.PromptTokens))
	}
	if md.Usage.GenerationTokens != nil {
		span.SetAttributes(tracer.IntAttr("llm.generation_tokens", *md.Usage.GenerationTokens))
	}
}

// mapHTTPError maps an HTTP status code + response body to a domain error,
// so the circuit breaker and failover can classify backend failures.
func mapHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	detail := fmt.Sprintf("API error %d: %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusBadRequest && isContextOverflowBody(bodyStr):
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrTimeout, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	}
}

func isContextOverflowBody(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "context_length_exceeded") ||
		strings.Contains(b, "maximum context length") ||
		strings.Contains(b, "prompt is too long")
}

// rateLimitHeaders names the headers a backend reports its limits in.
type rateLimitHeaders struct {
	requestsLimit, requestsRemaining, requestsReset string
	tokensLimit, tokensRemaining, tokensReset       string
}

// openAIRateLimitHeaders are sent by OpenAI and most compatible APIs.
var openAIRateLimitHeaders = rateLimitHeaders{
	requestsLimit:     "x-ratelimit-limit-requests",
	requestsRemaining: "x-ratelimit-remaining-requests",
	requestsReset:     "x-ratelimit-reset-requests",
	tokensLimit:       "x-ratelimit-limit-tokens",
	tokensRemaining:   "x-ratelimit-remaining-tokens",
	tokensReset:       "x-ratelimit-reset-tokens",
}

var anthropicRateLimitHeaders = rateLimitHeaders{
	requestsLimit:     "anthropic-ratelimit-requests-limit",
	requestsRemaining: "anthropic-ratelimit-requests-remaining",
	requestsReset:     "anthropic-ratelimit-requests-reset",
	tokensLimit:       "anthropic-ratelimit-tokens-limit",
	tokensRemaining:   "anthropic-ratelimit-tokens-remaining",
	tokensReset:       "anthropic-ratelimit-tokens-reset",
}

// parse reads the rate-limit window from h. Missing or malformed values
// stay zero. now anchors absolute reset timestamps.
func (n rateLimitHeaders) parse(h http.Header, now time.Time) domain.RateLimit {
	if h == nil {
		return domain.RateLimit{}
	}
	return domain.RateLimit{
		RequestsLimit:     headerInt(h, n.requestsLimit),
		RequestsRemaining: headerInt(h, n.requestsRemaining),
		RequestsReset:     headerReset(h, n.requestsReset, now),
		TokensLimit:       headerInt(h, n.tokensLimit),
		TokensRemaining:   headerInt(h, n.tokensRemaining),
		TokensReset:       headerReset(h, n.tokensReset, now),
	}
}

func headerInt(h http.Header, key string) int64 {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// headerReset accepts Go-style durations ("6m0s", "20ms"), plain seconds
// ("12") and RFC 3339 timestamps.
func headerReset(h http.Header, key string, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// headerReport wraps a parsed rate limit as a metadata-only report, or nil
// when the backend reported nothing.
func headerReport(rl domain.RateLimit) *domain.MetadataReport {
	if rl.IsZero() {
		return nil
	}
	return &domain.MetadataReport{RateLimit: rl}
}

// usageReport builds a partial usage report from optional wire counters.
func usageReport(prompt, generation *int) *domain.UsageReport {
	if prompt == nil && generation == nil {
		return nil
	}
	return &domain.UsageReport{PromptTokens: prompt, GenerationTokens: generation}
}
