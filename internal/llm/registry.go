package llm

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	. "github.com/roelfdiedericks/chatstream/internal/logging"
)

// providerCooldown tracks a provider whose configuration was rejected
type providerCooldown struct {
	until      time.Time
	errorCount int
	reason     string
}

// ProviderStatus describes one registered provider for status output.
type ProviderStatus struct {
	Name       string
	Type       string
	Model      string
	Configured bool
	InCooldown bool
	Until      time.Time
	Reason     string
}

// Registry owns provider instances and resolves (provider, model) pairs.
// The orchestrator never constructs provider clients itself.
type Registry struct {
	providers  map[string]Provider
	selected   map[string]string // provider -> selected model
	cooldowns  map[string]*providerCooldown
	mu         sync.RWMutex
	cooldownMu sync.RWMutex
	now        func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		selected:  make(map[string]string),
		cooldowns: make(map[string]*providerCooldown),
		now:       time.Now,
	}
}

// NewRegistryFromConfig builds adapters for every enabled provider.
func NewRegistryFromConfig(providers map[string]ProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range providers {
		if cfg.Disabled {
			L_debug("llm: provider disabled", "name", name)
			continue
		}
		p, err := NewProvider(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.Register(p)
	}
	L_info("llm: registry created", "providers", len(r.providers))
	return r, nil
}

// NewProvider creates the adapter for cfg.Type. An empty type defaults to the name.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	kind := cfg.Type
	if kind == "" {
		kind = name
		cfg.Type = name
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModels[kind]
	}

	switch kind {
	case "openai", "openrouter", "xai":
		return NewOpenAIProvider(name, cfg)
	case "anthropic":
		return NewAnthropicProvider(name, cfg)
	case "ollama":
		return NewOllamaProvider(name, cfg)
	case "echo":
		return NewEchoProvider(name, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
}

// Register adds or replaces a provider. Its current model becomes the selected model.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if p.Model() != "" {
		r.selected[p.Name()] = p.Model()
	}
	L_debug("llm: provider registered", "name", p.Name(), "type", p.Type(), "model", p.Model())
}

// SelectModel changes the selected model of a provider.
func (r *Registry) SelectModel(provider, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected[provider] = model
}

// SelectedModel returns the provider's selected model, or "".
func (r *Registry) SelectedModel(provider string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected[provider]
}

// ResolveModel returns a handle for (provider, model), or nil if the provider is
// unknown or not configured. An empty model resolves to the selected model.
func (r *Registry) ResolveModel(provider, model string) Provider {
	r.mu.RLock()
	p, ok := r.providers[provider]
	selected := r.selected[provider]
	r.mu.RUnlock()

	if !ok {
		L_debug("llm: unknown provider", "provider", provider)
		return nil
	}
	if model == "" {
		model = selected
	}
	if model == "" {
		model = DefaultModels[provider]
	}
	if model == "" {
		return nil
	}
	if model != p.Model() {
		p = p.WithModel(model)
	}
	if !p.IsConfigured() {
		L_debug("llm: provider not configured", "provider", provider, "model", model)
		return nil
	}
	return p
}

// IsConfigured reports whether a provider is registered, configured and not
// in configuration cooldown.
func (r *Registry) IsConfigured(provider string) bool {
	if r.isProviderInCooldown(provider) {
		return false
	}
	return r.ResolveModel(provider, "") != nil
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the status of all providers, sorted by name.
func (r *Registry) Status() []ProviderStatus {
	var out []ProviderStatus
	for _, name := range r.Providers() {
		r.mu.RLock()
		p := r.providers[name]
		model := r.selected[name]
		r.mu.RUnlock()

		st := ProviderStatus{
			Name:       name,
			Type:       p.Type(),
			Model:      model,
			Configured: r.ResolveModel(name, "") != nil,
		}
		r.cooldownMu.RLock()
		if cd := r.cooldowns[name]; cd != nil && r.now().Before(cd.until) {
			st.InCooldown = true
			st.Until = cd.until
			st.Reason = cd.reason
		}
		r.cooldownMu.RUnlock()
		out = append(out, st)
	}
	return out
}

// ==================== Configuration Cooldown ====================

// calculateCooldownDuration returns 1min * 5^(n-1), capped at 1hr.
func calculateCooldownDuration(errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	exponent := min(errorCount-1, 3)
	dur := time.Duration(float64(time.Minute) * math.Pow(5, float64(exponent)))
	if dur > time.Hour {
		return time.Hour
	}
	return dur
}

func (r *Registry) isProviderInCooldown(provider string) bool {
	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()
	cd := r.cooldowns[provider]
	return cd != nil && r.now().Before(cd.until)
}

// MarkInvalid records a configuration failure so the fallback chain skips the
// provider until the cooldown expires or it succeeds again.
func (r *Registry) MarkInvalid(provider string, c ErrorClassification) {
	if c.Category != CategoryConfiguration {
		return
	}
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[provider]
	if cd == nil {
		cd = &providerCooldown{}
		r.cooldowns[provider] = cd
	}
	cd.errorCount++
	cd.reason = c.Message
	cd.until = r.now().Add(calculateCooldownDuration(cd.errorCount))

	L_warn("llm: provider cooldown",
		"provider", provider,
		"until", cd.until.Format("15:04:05"),
		"errorCount", cd.errorCount,
		"reason", c.Message)
}

// MarkHealthy clears any cooldown for a provider.
func (r *Registry) MarkHealthy(provider string) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	if _, ok := r.cooldowns[provider]; ok {
		delete(r.cooldowns, provider)
		L_info("llm: provider cooldown cleared", "provider", provider)
	}
}

// ClearCooldowns removes all cooldowns and returns how many were cleared.
func (r *Registry) ClearCooldowns() int {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	count := len(r.cooldowns)
	r.cooldowns = make(map[string]*providerCooldown)
	if count > 0 {
		L_info("llm: all cooldowns cleared", "count", count)
	}
	return count
}
