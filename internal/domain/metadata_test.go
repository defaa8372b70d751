package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseMetadataIsolatedFromInputs(t *testing.T) {
	props := map[string]any{"id": "chatcmpl-1"}
	prompt := PromptMetadata{{
		PromptIndex:    0,
		ContentFilters: map[string]ContentFilterResult{"hate": {Filtered: false, Severity: "safe"}},
	}}

	md := NewResponseMetadata(props, Usage{PromptTokens: 1, GenerationTokens: 2}, prompt, RateLimit{})

	props["id"] = "changed"
	prompt[0].ContentFilters["hate"] = ContentFilterResult{Filtered: true}

	v, ok := md.Property("id")
	require.True(t, ok)
	assert.Equal(t, "chatcmpl-1", v)
	assert.False(t, md.Prompt()[0].ContentFilters["hate"].Filtered)
}

func TestResponseMetadataAccessorsReturnCopies(t *testing.T) {
	md := NewResponseMetadata(map[string]any{"k": 1}, Usage{}, PromptMetadata{{PromptIndex: 3}}, RateLimit{})

	md.Properties()["k"] = 2
	md.Prompt()[0].PromptIndex = 9

	v, _ := md.Property("k")
	assert.Equal(t, 1, v)
	assert.Equal(t, 3, md.Prompt()[0].PromptIndex)
}

func TestResponseMetadataZeroValue(t *testing.T) {
	var md ResponseMetadata
	assert.Empty(t, md.Properties())
	assert.NotNil(t, md.Properties())
	assert.Empty(t, md.Prompt())
	assert.True(t, md.RateLimit().IsZero())
	assert.Equal(t, 0, md.Usage().Total())
}

func TestRateLimitIsZero(t *testing.T) {
	assert.True(t, RateLimit{}.IsZero())
	assert.False(t, RateLimit{TokensReset: time.Second}.IsZero())
}

func TestUsageTotal(t *testing.T) {
	assert.Equal(t, 55, Usage{PromptTokens: 25, GenerationTokens: 30}.Total())
}
