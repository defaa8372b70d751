package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"codechat/internal/infra/config"
	"codechat/internal/infra/logger"
)

func TestCheckConfigFile_NotFound(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/config.yaml", false, nil)
	result := fn(context.Background(), nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for missing config")
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	fn := checkConfigFile("config.yaml", false, &config.ValidationError{Errors: []string{"bad yaml"}})
	result := fn(context.Background(), nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "bad yaml") {
		t.Errorf("message should include the cause: %q", result.Message)
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	path := writeConfig(t, "chat:\n  system_prompt: test\n")
	result := checkConfigFile(path, false, nil)(context.Background(), nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckConfigFile_Flags(t *testing.T) {
	result := checkConfigFile("/nonexistent", true, nil)(context.Background(), nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS with flags, got %s", result.Status)
	}
}

func TestCheckLLMAPIKey(t *testing.T) {
	tests := []struct {
		name      string
		providers []config.ProviderConfig
		want      CheckStatus
	}{
		{"no providers", nil, StatusFail},
		{"all keys", []config.ProviderConfig{{Name: "openai", APIKey: "sk"}}, StatusPass},
		{"missing all", []config.ProviderConfig{{Name: "openai"}}, StatusFail},
		{"partial", []config.ProviderConfig{{Name: "openai", APIKey: "sk"}, {Name: "anthropic"}}, StatusWarn},
		{"keyless only", []config.ProviderConfig{{Name: "local", Type: "ollama"}}, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{LLM: config.LLMConfig{Providers: tt.providers}}
			result := checkLLMAPIKey(context.Background(), cfg)
			if result.Status != tt.want {
				t.Errorf("expected %s, got %s: %s", tt.want, result.Status, result.Message)
			}
		})
	}
}

func TestCheckLLMAPIKey_NilConfig(t *testing.T) {
	if result := checkLLMAPIKey(context.Background(), nil); result.Status != StatusFail {
		t.Errorf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckProviders(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	result := checkProviders(logger.Discard())(context.Background(), cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "local, primary") {
		t.Errorf("message should list providers: %q", result.Message)
	}
}

func TestCheckProviders_BadDefault(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.LLM.DefaultProvider = "ghost"
	result := checkProviders(logger.Discard())(context.Background(), cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL, got %s", result.Status)
	}
}

func TestCheckLLMConnectivity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := checkLLMConnectivity(context.Background(), testConfig(server.URL))
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckLLMConnectivity_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	result := checkLLMConnectivity(context.Background(), testConfig(url))
	if result.Status != StatusFail {
		t.Errorf("expected FAIL, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion")
	}
}

func TestProviderEndpoint(t *testing.T) {
	tests := []struct {
		pc   config.ProviderConfig
		want string
	}{
		{config.ProviderConfig{Name: "openai"}, "https://api.openai.com/v1/models"},
		{config.ProviderConfig{Name: "x", Type: "openrouter"}, "https://openrouter.ai/api/v1/models"},
		{config.ProviderConfig{Name: "x", Type: "anthropic", BaseURL: "https://proxy/"}, "https://proxy"},
		{config.ProviderConfig{Name: "ollama"}, "http://localhost:11434/api/tags"},
		{config.ProviderConfig{Name: "x", Type: "ollama", BaseURL: "http://gpu:11434/"}, "http://gpu:11434/api/tags"},
		{config.ProviderConfig{Name: "x", Type: "bedrock"}, ""},
	}
	for _, tt := range tests {
		if got := providerEndpoint(tt.pc); got != tt.want {
			t.Errorf("providerEndpoint(%+v) = %q, want %q", tt.pc, got, tt.want)
		}
	}
}

func TestCheckOllama(t *testing.T) {
	var warmups atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			warmups.Add(1)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3:latest"}]}`)
		}
	}))
	defer server.Close()

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	cfg := &config.Config{LLM: config.LLMConfig{Providers: []config.ProviderConfig{
		{Name: "gpu", Type: "ollama", BaseURL: server.URL, Model: "llama3"},
		{Name: "laptop", Type: "ollama", BaseURL: downURL, Model: "llama3"},
		{Name: "openai", APIKey: "sk"},
	}}}

	result := checkOllama(logger.Discard())(context.Background(), cfg)
	if result.Status != StatusWarn {
		t.Fatalf("expected WARN, got %s: %s", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "laptop") || strings.Contains(result.Message, "gpu") {
		t.Errorf("unexpected message: %q", result.Message)
	}
	if warmups.Load() != 1 {
		t.Errorf("expected one warmup, got %d", warmups.Load())
	}
}

func TestCheckOllama_ModelMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			fmt.Fprint(w, `{"models":[{"name":"qwen2:7b"}]}`)
		}
	}))
	defer server.Close()

	cfg := &config.Config{LLM: config.LLMConfig{Providers: []config.ProviderConfig{
		{Name: "gpu", Type: "ollama", BaseURL: server.URL, Model: "llama3"},
	}}}

	result := checkOllama(logger.Discard())(context.Background(), cfg)
	if result.Status != StatusWarn || !strings.Contains(result.Message, "model not pulled: gpu") {
		t.Errorf("unexpected result: %s %q", result.Status, result.Message)
	}
}

func TestCheckOllama_NoneConfigured(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Providers: []config.ProviderConfig{{Name: "openai"}}}}
	if result := checkOllama(logger.Discard())(context.Background(), cfg); result.Status != StatusPass {
		t.Errorf("expected PASS, got %s", result.Status)
	}
}

func TestReportChecks(t *testing.T) {
	checks := []Check{
		{Name: "ok", Fn: func(context.Context, *config.Config) CheckResult {
			return CheckResult{Status: StatusPass, Message: "fine"}
		}},
		{Name: "meh", Fn: func(context.Context, *config.Config) CheckResult {
			return CheckResult{Status: StatusWarn, Message: "hmm", Fix: "do something"}
		}},
	}

	var out bytes.Buffer
	if err := reportChecks(context.Background(), &out, nil, checks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"[PASS] ok: fine", "[WARN] meh: hmm", "Fix: do something", "1 passed, 1 warnings, 0 failed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	checks = append(checks, Check{Name: "bad", Fn: func(context.Context, *config.Config) CheckResult {
		return CheckResult{Status: StatusFail, Message: "broken"}
	}})
	out.Reset()
	err := reportChecks(context.Background(), &out, nil, checks)
	if err == nil || !strings.Contains(err.Error(), "1 check(s) failed") {
		t.Errorf("expected failure count error, got %v", err)
	}
}
