package domain

import (
	"maps"
	"time"
)

// UsageReport is a partial token usage report from a single response chunk.
// A nil field means the chunk did not report that counter.
type UsageReport struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	GenerationTokens *int `json:"generation_tokens,omitempty"`
}

// NewUsageReport returns a report with both counters present.
func NewUsageReport(prompt, generation int) *UsageReport {
	return &UsageReport{PromptTokens: &prompt, GenerationTokens: &generation}
}

// Usage is a frozen token usage snapshot.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	GenerationTokens int `json:"generation_tokens"`
}

// Total returns the sum of prompt and generation tokens.
func (u Usage) Total() int { return u.PromptTokens + u.GenerationTokens }

// RateLimit describes the backend's rate-limit window as reported with a
// response. The zero value means "not reported".
type RateLimit struct {
	RequestsLimit     int64         `json:"requests_limit,omitempty"`
	RequestsRemaining int64         `json:"requests_remaining,omitempty"`
	RequestsReset     time.Duration `json:"requests_reset,omitempty"`
	TokensLimit       int64         `json:"tokens_limit,omitempty"`
	TokensRemaining   int64         `json:"tokens_remaining,omitempty"`
	TokensReset       time.Duration `json:"tokens_reset,omitempty"`
}

// IsZero reports whether no rate-limit information is present.
func (r RateLimit) IsZero() bool { return r == RateLimit{} }

// ContentFilterResult is the moderation outcome for one filter category.
type ContentFilterResult struct {
	Filtered bool   `json:"filtered"`
	Severity string `json:"severity,omitempty"`
}

// PromptFilter holds moderation results for one prompt of the request.
type PromptFilter struct {
	PromptIndex    int                            `json:"prompt_index"`
	ContentFilters map[string]ContentFilterResult `json:"content_filter_results,omitempty"`
}

// PromptMetadata is the prompt-level metadata returned by a backend.
type PromptMetadata []PromptFilter

// Clone returns a deep copy of p, or nil when p is empty.
func (p PromptMetadata) Clone() PromptMetadata {
	if len(p) == 0 {
		return nil
	}
	out := make(PromptMetadata, len(p))
	for i, f := range p {
		out[i] = PromptFilter{PromptIndex: f.PromptIndex, ContentFilters: maps.Clone(f.ContentFilters)}
	}
	return out
}

// MetadataReport is the response metadata carried by one increment.
type MetadataReport struct {
	Properties map[string]any `json:"properties,omitempty"`
	Usage      *UsageReport   `json:"usage,omitempty"`
	Prompt     PromptMetadata `json:"prompt,omitempty"`
	RateLimit  RateLimit      `json:"rate_limit,omitempty"`
}

// ResponseMetadata is an immutable snapshot of the metadata accumulated over
// one exchange. Accessors return copies.
type ResponseMetadata struct {
	properties map[string]any
	usage      Usage
	prompt     PromptMetadata
	rateLimit  RateLimit
}

// NewResponseMetadata builds a snapshot, copying props and prompt.
func NewResponseMetadata(props map[string]any, usage Usage, prompt PromptMetadata, rl RateLimit) ResponseMetadata {
	return ResponseMetadata{
		properties: maps.Clone(props),
		usage:      usage,
		prompt:     prompt.Clone(),
		rateLimit:  rl,
	}
}

// Property returns the value stored under key.
func (m ResponseMetadata) Property(key string) (any, bool) {
	v, ok := m.properties[key]
	return v, ok
}

// Properties returns a copy of all free-form properties.
func (m ResponseMetadata) Properties() map[string]any {
	if m.properties == nil {
		return map[string]any{}
	}
	return maps.Clone(m.properties)
}

// Usage returns the frozen usage counters.
func (m ResponseMetadata) Usage() Usage { return m.usage }

// Prompt returns a copy of the prompt metadata.
func (m ResponseMetadata) Prompt() PromptMetadata { return m.prompt.Clone() }

// RateLimit returns the last reported rate-limit window.
func (m ResponseMetadata) RateLimit() RateLimit { return m.rateLimit }
