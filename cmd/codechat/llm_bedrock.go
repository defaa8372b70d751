//go:build bedrock

package main

import (
	"log/slog"

	"codechat/internal/adapter/llm"
	"codechat/internal/domain"
	"codechat/internal/infra/config"
)

func createBedrockProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	return llm.NewBedrockProvider(pc, log)
}
