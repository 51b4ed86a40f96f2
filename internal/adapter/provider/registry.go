package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// maxFallbacks bounds the fallback chain behind a primary provider.
const maxFallbacks = 2

// ModelInfo is one entry of the served model catalog.
type ModelInfo struct {
	ID       string `json:"id"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"-"`
}

// Registry maps model ids to providers deterministically: each model is
// served by exactly one primary provider plus at most two fallbacks.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.Provider
	byModel   map[string]string   // model id -> provider name
	fallbacks map[string][]string // provider name -> fallback provider names
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.Provider),
		byModel:   make(map[string]string),
		fallbacks: make(map[string][]string),
	}
}

// Register binds a provider and the models it serves. A model already bound
// to another provider keeps its first binding.
func (r *Registry) Register(p domain.Provider, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	for _, m := range models {
		if _, taken := r.byModel[m]; taken {
			slog.Warn("model already bound, keeping first binding",
				slog.String("model", m), slog.String("provider", p.Name()))
			continue
		}
		r.byModel[m] = p.Name()
	}
}

// SetFallbacks configures the ordered fallback chain for a primary
// provider, capped at two entries.
func (r *Registry) SetFallbacks(primary string, fallbacks ...string) {
	if len(fallbacks) > maxFallbacks {
		fallbacks = fallbacks[:maxFallbacks]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[primary] = append([]string(nil), fallbacks...)
}

// Resolve returns the primary provider for a model.
func (r *Registry) Resolve(model string) (domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byModel[model]
	if !ok {
		return nil, fmt.Errorf("%w: model %q", domain.ErrNotFound, model)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", domain.ErrProviderUnavailable, name)
	}
	return p, nil
}

// Models lists the catalog sorted by id.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.byModel))
	for id, prov := range r.byModel {
		out = append(out, ModelInfo{ID: id, OwnedBy: prov, Provider: prov})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke routes the request to the model's primary provider, falling over
// to the configured chain on transient or availability errors only.
// Returns the stream and the name of the provider that served it.
func (r *Registry) Invoke(ctx domain.Context, req domain.ChatRequest) (domain.Stream, string, error) {
	primary, err := r.Resolve(req.Model)
	if err != nil {
		return nil, "", err
	}
	stream, err := primary.Invoke(ctx, req)
	if err == nil {
		return stream, primary.Name(), nil
	}
	if !retriableOnFallback(err) {
		return nil, primary.Name(), err
	}

	r.mu.RLock()
	chain := append([]string(nil), r.fallbacks[primary.Name()]...)
	r.mu.RUnlock()

	lastErr := err
	for _, name := range chain {
		r.mu.RLock()
		p, ok := r.providers[name]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		slog.Warn("provider failover",
			slog.String("model", req.Model),
			slog.String("from", primary.Name()),
			slog.String("to", name),
			slog.Any("error", lastErr))
		stream, err := p.Invoke(ctx, req)
		if err == nil {
			return stream, name, nil
		}
		lastErr = err
		if !retriableOnFallback(err) {
			break
		}
	}
	return nil, primary.Name(), lastErr
}

// retriableOnFallback reports whether a sibling provider could plausibly
// serve the request. Auth, validation and context-length failures follow
// the request, not the vendor.
func retriableOnFallback(err error) bool {
	return errors.Is(err, domain.ErrProviderUnavailable) ||
		errors.Is(err, domain.ErrTransient) ||
		errors.Is(err, domain.ErrRateLimited)
}
