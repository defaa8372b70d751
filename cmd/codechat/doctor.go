package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codechat/internal/adapter/llm"
	"codechat/internal/infra/config"
	"codechat/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor(args []string) error {
	flags := parseFlags(args)
	cfgPath := configPath(flags)

	// Some checks work without a config.
	cfg, cfgErr := loadConfig(flags)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, flags.Provider != "", cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "Provider setup", Fn: checkProviders(logger.Discard())},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Ollama", Fn: checkOllama(logger.Discard())},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return reportChecks(ctx, os.Stdout, cfg, checks)
}

// reportChecks runs checks in order and prints a summary. It fails when
// any check fails.
func reportChecks(ctx context.Context, w io.Writer, cfg *config.Config, checks []Check) error {
	fmt.Fprintln(w, "codechat doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Fprintln(w, "\nFix the FAIL issues above to ensure codechat runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Fprintln(w, "\ncodechat should work, but consider addressing the warnings.")
	} else {
		fmt.Fprintln(w, "\nAll checks passed! codechat is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, fromFlags bool, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("invalid configuration: %v", cfgErr),
				Fix:     "Fix the errors in " + cfgPath,
			}
		}
		if fromFlags {
			return CheckResult{Status: StatusPass, Message: "using --provider flags"}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found, using defaults", cfgPath),
				Fix:     "Create " + cfgPath + " or pass --provider, --model and --key",
			}
		}
		return CheckResult{Status: StatusPass, Message: cfgPath + " loaded"}
	}
}

// checkLLMAPIKey verifies every provider that needs an API key has one.
func checkLLMAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.Kind() == "ollama" || p.Kind() == "bedrock":
			continue
		case p.APIKey != "":
			withKey = append(withKey, p.Name)
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}

	switch {
	case len(withoutKey) > 0 && len(withKey) == 0:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set API keys via environment variables (e.g., " + config.ProviderEnvKey(withoutKey[0]) + ")",
		}
	case len(withoutKey) > 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	case len(withKey) == 0:
		return CheckResult{Status: StatusPass, Message: "no provider needs an API key"}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("API keys configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkProviders builds every registry entry, including the failover chain.
func checkProviders(log *slog.Logger) func(context.Context, *config.Config) CheckResult {
	return func(_ context.Context, cfg *config.Config) CheckResult {
		if cfg == nil {
			return notLoaded()
		}
		comps, err := initLLM(cfg, log)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error()}
		}

		var broken []string
		for _, name := range comps.Registry.List() {
			if _, err := comps.Registry.Get(name); err != nil {
				broken = append(broken, fmt.Sprintf("%s (%v)", name, err))
			}
		}
		if len(broken) > 0 {
			return CheckResult{
				Status:  StatusWarn,
				Message: "cannot build: " + strings.Join(broken, "; "),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("default %s, available: %s", comps.DefaultName, strings.Join(comps.Registry.List(), ", ")),
		}
	}
}

// checkLLMConnectivity tests if the default LLM provider is reachable.
func checkLLMConnectivity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	provider, ok := cfg.LLM.Provider(cfg.LLM.DefaultProvider)
	if !ok {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no known endpoint for provider type %q, skipping connectivity test", provider.Kind()),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}

	resp, err := llm.NewHTTPClient(provider).Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

// providerEndpoint returns a health/ping URL for the given provider.
func providerEndpoint(p config.ProviderConfig) string {
	if p.Kind() == "ollama" {
		baseURL := "http://localhost:11434"
		if p.BaseURL != "" {
			baseURL = strings.TrimRight(p.BaseURL, "/")
		}
		return baseURL + "/api/tags"
	}
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	switch p.Kind() {
	case "openai":
		return "https://api.openai.com/v1/models"
	case "anthropic":
		return "https://api.anthropic.com/"
	case "gemini":
		return "https://generativelanguage.googleapis.com/"
	case "openrouter":
		return "https://openrouter.ai/api/v1/models"
	default:
		return ""
	}
}

// checkOllama probes every Ollama provider concurrently and warms up the
// healthy ones so the first prompt does not pay the model load.
func checkOllama(log *slog.Logger) func(context.Context, *config.Config) CheckResult {
	return func(ctx context.Context, cfg *config.Config) CheckResult {
		if cfg == nil {
			return notLoaded()
		}

		var mu sync.Mutex
		var healthy, unhealthy, missing []string
		g, gctx := errgroup.WithContext(ctx)
		for _, pc := range cfg.LLM.Providers {
			if pc.Kind() != "ollama" {
				continue
			}
			g.Go(func() error {
				p := llm.NewOllamaProvider(pc, log)
				bucket := &unhealthy
				if p.IsHealthy(gctx) {
					bucket = &healthy
					if ok, err := p.HasModel(gctx); err != nil || !ok {
						log.Debug("ollama model missing", "provider", pc.Name, "model", pc.Model, "error", err)
						bucket = &missing
					} else if err := p.Warmup(gctx); err != nil {
						log.Debug("ollama warmup failed", "provider", pc.Name, "error", err)
					}
				}
				mu.Lock()
				*bucket = append(*bucket, pc.Name)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		switch {
		case len(healthy)+len(unhealthy)+len(missing) == 0:
			return CheckResult{Status: StatusPass, Message: "no ollama providers configured"}
		case len(unhealthy) > 0:
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("not responding: %s", strings.Join(unhealthy, ", ")),
				Fix:     "Start the server with 'ollama serve' and pull the configured model",
			}
		case len(missing) > 0:
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("model not pulled: %s", strings.Join(missing, ", ")),
				Fix:     "Run 'ollama pull <model>' for each listed provider",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("healthy: %s", strings.Join(healthy, ", "))}
	}
}
