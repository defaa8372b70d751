package llm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"codechat/internal/domain"
)

var _ domain.ProviderResolver = (*Registry)(nil)

// Factory builds a provider. It is called lazily on the first Get after
// registration or refresh.
type Factory func() (domain.LLMProvider, error)

// Registry holds named LLM providers. Providers are built on demand from
// their factories and cached until refreshed.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[string]domain.LLMProvider
	logger    *slog.Logger
	onRefresh func(names []string)
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]domain.LLMProvider),
		logger:    logger,
	}
}

// OnRefresh sets a hook called with the refreshed names after Refresh or
// RefreshAll.
func (r *Registry) OnRefresh(fn func(names []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRefresh = fn
}

// RegisterFactory adds a lazily built provider under name.
func (r *Registry) RegisterFactory(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("register provider: %w: empty name", domain.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Register adds an already built provider under its own name. Refreshing
// it keeps the same instance.
func (r *Registry) Register(provider domain.LLMProvider) error {
	return r.RegisterFactory(provider.Name(), func() (domain.LLMProvider, error) { return provider, nil })
}

// Get returns the provider registered under name, building it if needed.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}

	p, err := f()
	if err != nil {
		return nil, domain.WrapOp("Registry.Get", fmt.Errorf("build provider %q: %w", name, err))
	}
	r.providers[name] = p
	r.logger.Debug("provider built", "provider", name)
	return p, nil
}

// Refresh drops the cached instance of name so the next Get rebuilds it.
func (r *Registry) Refresh(name string) error {
	r.mu.Lock()
	if _, ok := r.factories[name]; !ok {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Refresh", domain.ErrProviderNotFound, name)
	}
	delete(r.providers, name)
	hook := r.onRefresh
	r.mu.Unlock()

	r.logger.Info("provider refreshed", "provider", name)
	if hook != nil {
		hook([]string{name})
	}
	return nil
}

// RefreshAll drops every cached instance.
func (r *Registry) RefreshAll() {
	r.mu.Lock()
	clear(r.providers)
	hook := r.onRefresh
	names := r.namesLocked()
	r.mu.Unlock()

	r.logger.Info("providers refreshed", "count", len(names))
	if hook != nil {
		hook(names)
	}
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
