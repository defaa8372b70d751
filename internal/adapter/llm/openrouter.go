package llm

import (
	"log/slog"

	"codechat/internal/domain"
	"codechat/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OpenRouterProvider)(nil)
	_ domain.StreamingLLMProvider = (*OpenRouterProvider)(nil)
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// openRouterAttribution identifies codechat to openrouter.ai.
var openRouterAttribution = map[string]string{
	"HTTP-Referer": "https://github.com/codechat/codechat",
	"X-Title":      "codechat",
}

// OpenRouterProvider talks to OpenRouter, which fronts many upstream models
// behind the OpenAI wire format. The upstream that served a request is
// reported as the upstream_provider metadata property.
type OpenRouterProvider struct {
	*OpenAIProvider
}

// NewOpenRouterProvider creates an OpenRouter provider.
func NewOpenRouterProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenRouterProvider {
	return &OpenRouterProvider{
		OpenAIProvider: newOpenAICompatible(cfg, logger, openRouterBaseURL, openRouterAttribution),
	}
}
