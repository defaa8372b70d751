package main

import (
	"fmt"
	"log/slog"

	"codechat/internal/adapter/llm"
	"codechat/internal/domain"
	"codechat/internal/infra/config"
)

// LLMComponents holds all LLM-related components.
type LLMComponents struct {
	Registry *llm.Registry
	// DefaultName is the registry key new sessions resolve.
	DefaultName string
	// DefaultModel is the model of the default provider.
	DefaultModel string
}

// initLLM registers a factory per configured provider and, when failover is
// enabled, a composite entry chaining the default provider to its fallbacks.
// The default entry is built eagerly so a bad config fails at startup.
func initLLM(cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry := llm.NewRegistry(log)

	cbCfg := cfg.LLM.CircuitBreaker
	for _, pc := range cfg.LLM.Providers {
		if err := registry.RegisterFactory(pc.Name, providerFactory(pc, cbCfg, log)); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}

	primary, ok := cfg.LLM.Provider(cfg.LLM.DefaultProvider)
	if !ok {
		return nil, domain.NewDomainError("initLLM", domain.ErrProviderNotFound, cfg.LLM.DefaultProvider)
	}
	defaultName := primary.Name

	if cfg.LLM.Failover.Enabled && len(cfg.LLM.Failover.Fallbacks) > 0 {
		factory, err := failoverFactory(cfg, log)
		if err != nil {
			return nil, err
		}
		defaultName = primary.Name + "+failover"
		if err := registry.RegisterFactory(defaultName, factory); err != nil {
			return nil, fmt.Errorf("failover: %w", err)
		}
		log.Info("model failover enabled", "fallbacks", cfg.LLM.Failover.Fallbacks)
	}

	if _, err := registry.Get(defaultName); err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}

	return &LLMComponents{
		Registry:     registry,
		DefaultName:  defaultName,
		DefaultModel: primary.Model,
	}, nil
}

// providerFactory builds pc and wraps it with the configured decorators:
// rate limiting innermost, then the circuit breaker, then the blocking-only
// wrapper when streaming is disabled.
func providerFactory(pc config.ProviderConfig, cb config.CircuitBreakerConfig, log *slog.Logger) llm.Factory {
	return func() (domain.LLMProvider, error) {
		provider, err := createLLMProvider(pc, log)
		if err != nil {
			return nil, err
		}
		if pc.RequestsPerMinute > 0 {
			provider = llm.NewRateLimitedProvider(provider, pc.RequestsPerMinute)
		}
		if cb.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, cb, log)
		}
		if !pc.StreamingEnabled() {
			provider = llm.NewBlockingProvider(provider)
		}
		return provider, nil
	}
}

// failoverFactory builds the default provider followed by its fallbacks.
// Members are built fresh so a refresh rebuilds the whole chain.
func failoverFactory(cfg *config.Config, log *slog.Logger) (llm.Factory, error) {
	primary, _ := cfg.LLM.Provider(cfg.LLM.DefaultProvider)
	fallbacks := make([]config.ProviderConfig, 0, len(cfg.LLM.Failover.Fallbacks))
	for _, name := range cfg.LLM.Failover.Fallbacks {
		pc, ok := cfg.LLM.Provider(name)
		if !ok {
			return nil, domain.NewDomainError("failover", domain.ErrProviderNotFound, name)
		}
		fallbacks = append(fallbacks, pc)
	}

	return func() (domain.LLMProvider, error) {
		p, err := providerFactory(primary, cfg.LLM.CircuitBreaker, log)()
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", primary.Name, err)
		}
		fbs := make([]domain.LLMProvider, 0, len(fallbacks))
		for _, pc := range fallbacks {
			fb, err := providerFactory(pc, cfg.LLM.CircuitBreaker, log)()
			if err != nil {
				return nil, fmt.Errorf("failover provider %s: %w", pc.Name, err)
			}
			fbs = append(fbs, fb)
		}
		return llm.NewFailoverProvider(p, fbs, log), nil
	}, nil
}

// createLLMProvider creates an LLM provider based on the type field.
func createLLMProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Kind() {
	case "openai":
		return llm.NewOpenAIProvider(pc, log), nil
	case "anthropic":
		return llm.NewAnthropicProvider(pc, log), nil
	case "gemini":
		return llm.NewGeminiProvider(pc, log), nil
	case "openrouter":
		return llm.NewOpenRouterProvider(pc, log), nil
	case "ollama":
		return llm.NewOllamaProvider(pc, log), nil
	case "bedrock":
		return createBedrockProvider(pc, log)
	default:
		return nil, fmt.Errorf("%w: unknown provider type: %s", domain.ErrInvalidInput, pc.Kind())
	}
}
