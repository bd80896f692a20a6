package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tbourn/go-rag-assistant/internal/config"
)

// Provider is a backend able to both generate and embed.
type Provider interface {
	Generator
	EmbedProvider
}

// ProviderFactory builds a Provider from the model configuration.
type ProviderFactory func(ctx context.Context, cfg config.ModelConfig) (Provider, error)

// Registry maps provider names to factories. Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// DefaultRegistry knows the "vertex" and "openai" providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("vertex", func(ctx context.Context, cfg config.ModelConfig) (Provider, error) {
		return NewVertexFromFile(ctx, cfg.CredentialsFile, VertexConfig{
			ProjectID:    cfg.ProjectID,
			SearchAPIKey: cfg.SearchAPIKey,
			Timeout:      cfg.Timeout,
		})
	})
	r.Register("openai", func(_ context.Context, cfg config.ModelConfig) (Provider, error) {
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds the named provider.
func (r *Registry) Get(ctx context.Context, name string, cfg config.ModelConfig) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model provider: %s", name)
	}
	return f(ctx, cfg)
}

// Build wires a Gateway and an Embedder from configuration using the
// provider named in cfg.Model.Provider.
func (r *Registry) Build(ctx context.Context, cfg config.Config) (*Gateway, *Embedder, error) {
	p, err := r.Get(ctx, cfg.Model.Provider, cfg.Model)
	if err != nil {
		return nil, nil, err
	}
	gw := New(p,
		WithDefaults(cfg.Model.DefaultModel, cfg.Model.DefaultLocation),
		WithRetry(Linear{Tries: cfg.Model.RetryAttempts, Delay: cfg.Model.RetryDelay}),
	)
	emb := NewEmbedder(p, EmbedderConfig{
		Model:      cfg.Embedding.Model,
		Task:       cfg.Embedding.Task,
		Dimensions: cfg.Embedding.Dimensions,
		Location:   cfg.Model.DefaultLocation,
		Retry:      Exponential{Tries: 3, Initial: cfg.Embedding.RetryDelay, Max: cfg.Embedding.RetryMax},
		CacheTTL:   cfg.Embedding.CacheTTL,
	})
	return gw, emb, nil
}
