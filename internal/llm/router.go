package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Router maps model identifiers to the adapter that serves them
type Router struct {
	providers   map[string]Provider
	credentials map[string]Credentials
	clients     map[string]Client
	models      map[string]string
	primary     string
	mu          sync.RWMutex
}

// NewRouter creates a new router. primary names the adapter used for
// unknown models.
func NewRouter(primary string) *Router {
	return &Router{
		providers:   make(map[string]Provider),
		credentials: make(map[string]Credentials),
		clients:     make(map[string]Client),
		models:      make(map[string]string),
		primary:     primary,
	}
}

// RegisterProvider registers an adapter and adds its models to the static table.
// A model id already claimed by another adapter keeps its first owner.
func (r *Router) RegisterProvider(provider Provider, creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	r.providers[name] = provider
	r.credentials[name] = creds
	delete(r.clients, name)

	for _, m := range provider.Models() {
		if owner, ok := r.models[m.ID]; ok && owner != name {
			log.Warn().Str("model", m.ID).Str("owner", owner).Str("provider", name).Msg("model already registered, keeping first owner")
			continue
		}
		r.models[m.ID] = name
	}

	if r.primary == "" {
		r.primary = name
	}
}

// Resolve returns the adapter serving modelID. Unknown models fall back to
// the primary adapter with a warning; Resolve never fails while at least one
// adapter is registered.
func (r *Router) Resolve(modelID string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.models[modelID]; ok {
		return r.providers[name]
	}

	if p, ok := r.providers[r.primary]; ok {
		log.Warn().Str("model", modelID).Str("provider", r.primary).Msg("unknown model, using primary provider")
		return p
	}

	// primary not registered: any adapter is better than none
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	log.Warn().Str("model", modelID).Str("provider", names[0]).Msg("primary provider missing, using first registered")
	return r.providers[names[0]]
}

// Known reports whether modelID is in the static table
func (r *Router) Known(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[modelID]
	return ok
}

// ClientFor returns the cached client of a provider, creating it on first use
func (r *Router) ClientFor(provider Provider) (Client, error) {
	name := provider.Name()

	r.mu.RLock()
	client, ok := r.clients[name]
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[name]; ok {
		return client, nil
	}

	client, err := provider.CreateClient(r.credentials[name])
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}
	r.clients[name] = client
	return client, nil
}

// Primary returns the primary provider name
func (r *Router) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// DefaultModel returns the first model of the primary provider
func (r *Router) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[r.primary]
	if !ok {
		return ""
	}
	models := p.Models()
	if len(models) == 0 {
		return ""
	}
	return models[0].ID
}

// Models returns every routable model id, sorted
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProviderInfo contains information about an LLM provider
type ProviderInfo struct {
	Name    string  `json:"name"`
	Models  []Model `json:"models"`
	Primary bool    `json:"primary"`
}

// GetProvidersInfo returns information about all providers
func (r *Router) GetProvidersInfo() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for name, p := range r.providers {
		infos = append(infos, ProviderInfo{
			Name:    name,
			Models:  p.Models(),
			Primary: name == r.primary,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
