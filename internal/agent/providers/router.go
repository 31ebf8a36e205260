package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sightline/sightline/internal/domain/model"
)

// ErrNotConfigured is returned for a provider without credentials.
var ErrNotConfigured = errors.New("provider is not configured")

// Settings holds the credentials of one provider.
type Settings struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// Router dispatches a call to the backend registered for the target's
// provider.
type Router struct {
	mu       sync.RWMutex
	backends map[model.ProviderID]model.Backend
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[model.ProviderID]model.Backend)}
}

// NewRouterFromSettings registers a client for every provider with an API key.
func NewRouterFromSettings(settings map[model.ProviderID]Settings) *Router {
	r := NewRouter()
	r.Apply(settings)
	return r
}

// Apply replaces every backend with clients built from settings. Providers
// without an API key end up unconfigured. Calls already in flight keep the
// client they started with.
func (r *Router) Apply(settings map[model.ProviderID]Settings) {
	backends := make(map[model.ProviderID]model.Backend, len(settings))
	for id, s := range settings {
		if b := newBackend(id, s); b != nil {
			backends[id] = b
		}
	}
	r.mu.Lock()
	r.backends = backends
	r.mu.Unlock()
}

func newBackend(id model.ProviderID, s Settings) model.Backend {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil
	}
	switch id {
	case model.ProviderOpenAI:
		return NewOpenAIClientWithBaseURLAndHeaders(s.APIKey, s.BaseURL, s.Headers)
	case model.ProviderGrok:
		base := s.BaseURL
		if base == "" {
			base = grokBaseURL
		}
		return NewOpenAIClientWithBaseURLAndHeaders(s.APIKey, base, s.Headers)
	case model.ProviderClaude:
		return NewAnthropicClientWithBaseURL(s.APIKey, s.BaseURL)
	case model.ProviderGemini:
		return NewGeminiClientWithBaseURL(s.APIKey, s.BaseURL)
	}
	return nil
}

// Register binds a backend to a provider.
func (r *Router) Register(id model.ProviderID, b model.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[id] = b
}

// Configured lists providers with a backend, sorted.
func (r *Router) Configured() []model.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]model.ProviderID, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Router) backend(target model.ResolvedTarget) (model.Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[target.Provider()]
	r.mu.RUnlock()
	if !ok {
		return nil, &model.BackendError{
			Kind:     model.KindAuth,
			Provider: target.Provider(),
			ModelID:  target.ModelID(),
			Err:      fmt.Errorf("%w: set an API key for %s", ErrNotConfigured, target.Provider()),
		}
	}
	return b, nil
}

// Complete implements model.Backend.
func (r *Router) Complete(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (model.Completion, error) {
	b, err := r.backend(target)
	if err != nil {
		return model.Completion{}, err
	}
	return b.Complete(ctx, target, req)
}

// Stream implements model.Backend.
func (r *Router) Stream(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (<-chan model.Chunk, error) {
	b, err := r.backend(target)
	if err != nil {
		return nil, err
	}
	return b.Stream(ctx, target, req)
}
