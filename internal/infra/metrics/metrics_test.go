package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codechat/internal/domain"
)

func newTestMetrics() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func started(id string, streaming bool) domain.Started {
	return domain.NewInitiating(id, nil).Start("openai", "gpt-4o-mini", streaming, func() {})
}

func TestListenerArrivedRecordsOutcomeAndTokens(t *testing.T) {
	m := newTestMetrics()
	l := NewListener(m)
	ctx := context.Background()

	s := started("ex-1", true)
	l.ExchangeStarted(ctx, s)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExchangesInFlight))

	l.ResponseArriving(ctx, s.Arrive(domain.StreamDelta{}, nil, domain.ResponseMetadata{}))
	l.ResponseArriving(ctx, s.Arrive(domain.StreamDelta{}, nil, domain.ResponseMetadata{}))

	md := domain.NewResponseMetadata(nil, domain.Usage{PromptTokens: 25, GenerationTokens: 30}, nil, domain.RateLimit{})
	l.ResponseArrived(ctx, s.Complete(nil, md))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ExchangesInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("openai", "gpt-4o-mini", "streaming", OutcomeArrived)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.IncrementsTotal.WithLabelValues("openai")))
	assert.Equal(t, float64(25), testutil.ToFloat64(m.TokensTotal.WithLabelValues("openai", "gpt-4o-mini", "prompt")))
	assert.Equal(t, float64(30), testutil.ToFloat64(m.TokensTotal.WithLabelValues("openai", "gpt-4o-mini", "generation")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExchangeDuration))
}

func TestListenerFailedRecordsCode(t *testing.T) {
	m := newTestMetrics()
	l := NewListener(m)
	ctx := context.Background()

	s := started("ex-2", false)
	l.ExchangeStarted(ctx, s)
	l.ExchangeFailed(ctx, s.Fail(domain.ErrRateLimit))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ExchangesInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("openai", "gpt-4o-mini", "blocking", OutcomeFailed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailuresTotal.WithLabelValues(string(domain.CodeRateLimit))))
}

func TestListenerFailedBeforeStart(t *testing.T) {
	m := newTestMetrics()
	l := NewListener(m)

	l.ExchangeFailed(context.Background(), domain.NewInitiating("ex-3", nil).Fail(domain.ErrProviderNotFound))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ExchangesInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("unknown", "unknown", "none", OutcomeFailed)))
}

func TestListenerCancelledSettlesInFlight(t *testing.T) {
	m := newTestMetrics()
	l := NewListener(m)
	ctx := context.Background()

	l.ExchangeStarted(ctx, started("ex-4", true))
	l.ExchangeCancelled(ctx, "ex-4", context.Canceled)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ExchangesInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("openai", "gpt-4o-mini", "streaming", OutcomeCancelled)))
	assert.Empty(t, l.active)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := newTestMetrics()
	l := NewListener(m)
	l.ExchangeStarted(context.Background(), started("ex-5", true))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "codechat_exchange_in_flight 1")
}

func TestNewRegistersRuntimeCollectors(t *testing.T) {
	m := New()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "go_goroutines" {
			found = true
		}
	}
	assert.True(t, found, "go collector should be registered")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	m := newTestMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0", "/metrics", slog.New(slog.DiscardHandler)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.False(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
