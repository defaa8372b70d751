package metadata

import (
	"maps"
	"sync"

	"codechat/internal/domain"
)

// Builder accumulates the metadata reports of one exchange.
type Builder struct {
	mu         sync.Mutex
	properties map[string]any
	usage      *UsageAggregator
	prompt     domain.PromptMetadata
	rateLimit  domain.RateLimit
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		properties: make(map[string]any),
		usage:      NewUsageAggregator(),
	}
}

// Accept folds md into the accumulated state. Properties are merged with
// later values winning; prompt metadata and rate limits are replaced whole
// when md carries a non-empty value.
func (b *Builder) Accept(md *domain.MetadataReport) {
	if md == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usage.Accept(md.Usage)
	maps.Copy(b.properties, md.Properties)
	if len(md.Prompt) > 0 {
		b.prompt = md.Prompt.Clone()
	}
	if !md.RateLimit.IsZero() {
		b.rateLimit = md.RateLimit
	}
}

// Build returns a snapshot of the state at call time. It does not reset the builder.
func (b *Builder) Build() domain.ResponseMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.NewResponseMetadata(b.properties, b.usage.Snapshot(), b.prompt, b.rateLimit)
}
