// Package metadata accumulates per-increment response metadata into
// immutable snapshots.
package metadata

import (
	"sync"

	"codechat/internal/domain"
)

// UsageAggregator folds partial usage reports into running counters. Each
// counter only ever grows: an incoming value replaces the stored one when it
// is larger, and an absent value leaves it untouched.
type UsageAggregator struct {
	mu         sync.Mutex
	prompt     int
	generation int
}

// NewUsageAggregator returns an aggregator with both counters at zero.
func NewUsageAggregator() *UsageAggregator {
	return &UsageAggregator{}
}

// Accept merges u. A nil report is a no-op.
func (a *UsageAggregator) Accept(u *domain.UsageReport) {
	if u == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if u.PromptTokens != nil {
		a.prompt = max(a.prompt, *u.PromptTokens)
	}
	if u.GenerationTokens != nil {
		a.generation = max(a.generation, *u.GenerationTokens)
	}
}

// Snapshot returns the current counters.
func (a *UsageAggregator) Snapshot() domain.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.Usage{PromptTokens: a.prompt, GenerationTokens: a.generation}
}
