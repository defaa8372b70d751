package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override.
const envPrefix = "CODECHAT_"

// Config is the top-level application configuration.
type Config struct {
	LLM      LLMConfig     `yaml:"llm"`
	Chat     ChatConfig    `yaml:"chat"`
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Includes []string      `yaml:"includes,omitempty"`
}

// ChatConfig holds settings applied to every conversation.
type ChatConfig struct {
	SystemPrompt  string        `yaml:"system_prompt"`
	ContextBudget int           `yaml:"context_budget"` // prompt token budget, 0 = unlimited
	Timeout       time.Duration `yaml:"timeout"`        // per exchange, 0 = unlimited
	MaxTokens     int           `yaml:"max_tokens,omitempty"`
	Temperature   float64       `yaml:"temperature,omitempty"`
	Choices       int           `yaml:"choices,omitempty"` // alternatives per prompt, 0 = backend default
	SessionTTL    time.Duration `yaml:"session_ttl"`       // idle sessions are reaped after this
}

// FailoverConfig holds model failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Provider returns the provider configuration named name.
func (c LLMConfig) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // defaults to Name
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
	// Streaming set to false forces blocking calls for this provider.
	Streaming *bool `yaml:"streaming,omitempty"`
	// RequestsPerMinute throttles outgoing calls, 0 = unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
}

// Kind returns the backend type, falling back to the provider name.
func (p ProviderConfig) Kind() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// StreamingEnabled reports whether incremental responses are requested.
func (p ProviderConfig) StreamingEnabled() bool {
	return p.Streaming == nil || *p.Streaming
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
	// Scrapes per client IP. 0 disables the limit.
	ScrapesPerMinute int `yaml:"scrapes_per_minute"`
}

// DefaultPath returns $HOME/.codechat/config.yaml, or ./codechat.yaml when
// $HOME cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "codechat.yaml"
	}
	return filepath.Join(home, ".codechat", "config.yaml")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Chat: ChatConfig{
			SystemPrompt:  "You are a helpful assistant.",
			ContextBudget: 8000,
			Timeout:       120 * time.Second,
			SessionTTL:    24 * time.Hour,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled:          false,
			Addr:             "127.0.0.1:9464",
			Path:             "/metrics",
			ScrapesPerMinute: 60,
		},
	}
}

// Load reads a YAML config file, merges its includes, applies env var
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CODECHAT_* env vars to config fields. Malformed
// numeric or duration values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := getenv("LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := getenv("LLM_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.LLM.CircuitBreaker.Enabled = v == "true"
	}

	if v := getenv("CHAT_SYSTEM_PROMPT"); v != "" {
		cfg.Chat.SystemPrompt = v
	}
	if n, ok := envInt("CHAT_CONTEXT_BUDGET"); ok {
		cfg.Chat.ContextBudget = n
	}
	if n, ok := envInt("CHAT_MAX_TOKENS"); ok {
		cfg.Chat.MaxTokens = n
	}
	if n, ok := envInt("CHAT_CHOICES"); ok {
		cfg.Chat.Choices = n
	}
	if d, ok := envDuration("CHAT_TIMEOUT"); ok {
		cfg.Chat.Timeout = d
	}

	if v := getenv("LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := getenv("LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := getenv("LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	if v := getenv("TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := getenv("TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	// Per-provider overrides: CODECHAT_LLM_PROVIDER_<NAME>_{API_KEY,MODEL,BASE_URL}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		prefix := "LLM_PROVIDER_" + envName(p.Name) + "_"
		if v := getenv(prefix + "API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := getenv(prefix + "MODEL"); v != "" {
			p.Model = v
		}
		if v := getenv(prefix + "BASE_URL"); v != "" {
			p.BaseURL = v
		}
	}
}

// ProviderEnvKey returns the env var that overrides the API key of provider name.
func ProviderEnvKey(name string) string {
	return envPrefix + "LLM_PROVIDER_" + envName(name) + "_API_KEY"
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

func envInt(key string) (int, bool) {
	v := getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
