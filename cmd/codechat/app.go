package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"codechat/internal/adapter/llm"
	"codechat/internal/adapter/tokenizer"
	"codechat/internal/domain"
	"codechat/internal/infra/config"
	"codechat/internal/infra/metrics"
	"codechat/internal/infra/middleware"
	"codechat/internal/usecase"
	"codechat/internal/usecase/eventbus"
)

// cliSessionKey is the conversation the terminal talks to.
const cliSessionKey = "cli:default"

// providerRefreshedPayload is published on EventProviderRefresh.
type providerRefreshedPayload struct {
	Providers []string `json:"providers"`
}

// app wires the chat engine for one process.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	registry  *llm.Registry
	sessions  *usecase.SessionManager
	chat      *usecase.ChatService
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	selection domain.ModelSelection

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	llmComponents, err := initLLM(cfg, log)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(log)
	llmComponents.Registry.OnRefresh(func(names []string) {
		raw, err := json.Marshal(providerRefreshedPayload{Providers: names})
		if err != nil {
			return
		}
		bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventProviderRefresh,
			Timestamp: time.Now(),
			Payload:   raw,
		})
	})
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		log.Debug("event", "type", e.Type, "session_id", e.SessionID)
	})

	selection := domain.ModelSelection{
		Provider:      llmComponents.DefaultName,
		Model:         llmComponents.DefaultModel,
		ContextBudget: cfg.Chat.ContextBudget,
		MaxTokens:     cfg.Chat.MaxTokens,
		Temperature:   cfg.Chat.Temperature,
		Choices:       cfg.Chat.Choices,
	}

	var counter domain.TokenCounter
	if cfg.Chat.ContextBudget > 0 {
		counter = tokenizer.New(selection.Model, log)
	}
	sessions := usecase.NewSessionManager(usecase.SessionManagerConfig{
		Model:        selection,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Counter:      counter,
		Events:       bus,
	})

	listeners := []domain.ExchangeListener{
		usecase.LogListener{Logger: log},
		eventbus.NewListener(bus),
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &app{
		cfg:       cfg,
		log:       log,
		registry:  llmComponents.Registry,
		sessions:  sessions,
		bus:       bus,
		selection: selection,
		cancel:    cancel,
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		listeners = append(listeners, metrics.NewListener(a.metrics))
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := a.metrics.Serve(runCtx, cfg.Metrics.Addr, cfg.Metrics.Path, log,
				middleware.SecurityHeaders,
				middleware.MethodGuard,
				middleware.RateLimit(runCtx, cfg.Metrics.ScrapesPerMinute, 5),
			)
			if err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Providers: llmComponents.Registry,
		Logger:    log,
	})
	a.chat = usecase.NewChatService(usecase.ChatServiceDeps{
		Orchestrator: orch,
		Sessions:     sessions,
		Logger:       log,
		Listeners:    listeners,
		Timeout:      cfg.Chat.Timeout,
	})

	if cfg.Chat.SessionTTL > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.reapSessions(runCtx, cfg.Chat.SessionTTL)
		}()
	}

	return a, nil
}

// reapSessions drops sessions idle for longer than ttl until ctx is done.
func (a *app) reapSessions(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(min(ttl, time.Hour))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.sessions.ReapStaleSessions(ttl); n > 0 {
				a.log.Info("reaped stale sessions", "count", n)
			}
		}
	}
}

// Close stops background work and drains the event bus.
func (a *app) Close() {
	a.cancel()
	a.wg.Wait()
	a.bus.Close()
}
