// Package metrics exposes Prometheus instrumentation for chat exchanges.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codechat/internal/domain"
)

const namespace = "codechat"

// Outcome label values.
const (
	OutcomeArrived   = "arrived"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all exchange metrics.
type Metrics struct {
	ExchangesTotal    *prometheus.CounterVec
	ExchangeDuration  *prometheus.HistogramVec
	ExchangesInFlight prometheus.Gauge
	IncrementsTotal   *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	FailuresTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance registered on its own registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the exchange metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExchangesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "total",
				Help:      "Exchanges by provider, model, mode and outcome",
			},
			[]string{"provider", "model", "mode", "outcome"},
		),
		ExchangeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "duration_seconds",
				Help:      "Time from backend acceptance to the final response",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		ExchangesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "in_flight",
				Help:      "Exchanges accepted by a backend and not yet resolved",
			},
		),
		IncrementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "increments_total",
				Help:      "Partial response increments delivered to listeners",
			},
			[]string{"provider"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "tokens_total",
				Help:      "Tokens reported by backends",
			},
			[]string{"provider", "model", "type"}, // type: prompt, generation
		),
		FailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "failures_total",
				Help:      "Failed exchanges by error code",
			},
			[]string{"code"},
		),
		registry: reg,
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes Handler on addr under path until ctx is done. Wrappers are
// applied in order, the first one outermost.
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger *slog.Logger, wrap ...func(http.Handler) http.Handler) error {
	h := m.Handler()
	for i := len(wrap) - 1; i >= 0; i-- {
		h = wrap[i](h)
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type exchangeLabels struct {
	provider string
	model    string
	mode     string
}

// Listener records exchange lifecycle events into Metrics. It also
// implements domain.CancelListener so in-flight exchanges that are
// cancelled are accounted for.
type Listener struct {
	m *Metrics

	mu     sync.Mutex
	active map[string]exchangeLabels
}

// NewListener creates a Listener recording into m.
func NewListener(m *Metrics) *Listener {
	return &Listener{m: m, active: make(map[string]exchangeLabels)}
}

func (l *Listener) ExchangeStarted(_ context.Context, e domain.Started) {
	mode := "blocking"
	if e.Streaming {
		mode = "streaming"
	}
	l.mu.Lock()
	l.active[e.ID] = exchangeLabels{provider: e.Provider, model: e.Model, mode: mode}
	l.mu.Unlock()
	l.m.ExchangesInFlight.Inc()
}

func (l *Listener) ResponseArriving(_ context.Context, e domain.Arriving) {
	lb, _ := l.lookup(e.ID)
	l.m.IncrementsTotal.WithLabelValues(lb.provider).Inc()
}

func (l *Listener) ResponseArrived(_ context.Context, e domain.Arrived) {
	lb, ok := l.settle(e.ID)
	if ok {
		l.m.ExchangesInFlight.Dec()
	}
	l.m.ExchangesTotal.WithLabelValues(lb.provider, lb.model, lb.mode, OutcomeArrived).Inc()
	l.m.ExchangeDuration.WithLabelValues(lb.provider, lb.model).Observe(e.Duration.Seconds())

	u := e.Metadata.Usage()
	l.m.TokensTotal.WithLabelValues(lb.provider, lb.model, "prompt").Add(float64(u.PromptTokens))
	l.m.TokensTotal.WithLabelValues(lb.provider, lb.model, "generation").Add(float64(u.GenerationTokens))
}

func (l *Listener) ExchangeFailed(_ context.Context, e domain.Failed) {
	lb, ok := l.settle(e.ID)
	if ok {
		l.m.ExchangesInFlight.Dec()
	}
	l.m.ExchangesTotal.WithLabelValues(lb.provider, lb.model, lb.mode, OutcomeFailed).Inc()
	l.m.FailuresTotal.WithLabelValues(string(e.Code)).Inc()
}

func (l *Listener) ExchangeCancelled(_ context.Context, id string, _ error) {
	lb, ok := l.settle(id)
	if ok {
		l.m.ExchangesInFlight.Dec()
	}
	l.m.ExchangesTotal.WithLabelValues(lb.provider, lb.model, lb.mode, OutcomeCancelled).Inc()
}

// lookup returns the labels of a started exchange, or "unknown" labels for
// exchanges that failed before a backend accepted them.
func (l *Listener) lookup(id string) (exchangeLabels, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lb, ok := l.active[id]
	if !ok {
		return exchangeLabels{provider: "unknown", model: "unknown", mode: "none"}, false
	}
	return lb, true
}

func (l *Listener) settle(id string) (exchangeLabels, bool) {
	lb, ok := l.lookup(id)
	if ok {
		l.mu.Lock()
		delete(l.active, id)
		l.mu.Unlock()
	}
	return lb, ok
}
