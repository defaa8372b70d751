package metadata

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"codechat/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestUsageAggregatorKeepsRunningMaximum(t *testing.T) {
	agg := NewUsageAggregator()

	agg.Accept(domain.NewUsageReport(25, 20))
	agg.Accept(domain.NewUsageReport(0, 30))
	agg.Accept(domain.NewUsageReport(0, 0))

	assert.Equal(t, domain.Usage{PromptTokens: 25, GenerationTokens: 30}, agg.Snapshot())
}

func TestUsageAggregatorAbsentValuesAreNoUpdate(t *testing.T) {
	agg := NewUsageAggregator()

	agg.Accept(&domain.UsageReport{GenerationTokens: intPtr(1)})
	agg.Accept(nil)

	assert.Equal(t, domain.Usage{PromptTokens: 0, GenerationTokens: 1}, agg.Snapshot())
}

func TestUsageAggregatorPartialReports(t *testing.T) {
	agg := NewUsageAggregator()

	// prompt-only report followed by generation-only report, as sent by
	// message_start / message_delta style streams.
	agg.Accept(&domain.UsageReport{PromptTokens: intPtr(12)})
	agg.Accept(&domain.UsageReport{GenerationTokens: intPtr(7)})
	agg.Accept(&domain.UsageReport{})

	assert.Equal(t, domain.Usage{PromptTokens: 12, GenerationTokens: 7}, agg.Snapshot())
}

func TestUsageAggregatorInitialSnapshot(t *testing.T) {
	assert.Equal(t, domain.Usage{}, NewUsageAggregator().Snapshot())
}

func TestUsageAggregatorSnapshotIsDetached(t *testing.T) {
	agg := NewUsageAggregator()
	agg.Accept(domain.NewUsageReport(1, 1))
	snap := agg.Snapshot()

	agg.Accept(domain.NewUsageReport(5, 5))

	assert.Equal(t, domain.Usage{PromptTokens: 1, GenerationTokens: 1}, snap)
}

func TestUsageAggregatorConcurrentAcceptLosesNoMaximum(t *testing.T) {
	agg := NewUsageAggregator()

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agg.Accept(domain.NewUsageReport(n, 1000-n))
			_ = agg.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, domain.Usage{PromptTokens: 200, GenerationTokens: 999}, agg.Snapshot())
}
