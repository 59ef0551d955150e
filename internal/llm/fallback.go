package llm

import (
	. "github.com/roelfdiedericks/chatstream/internal/logging"
)

// DefaultFallbackOrder is the provider priority walked on fallback.
var DefaultFallbackOrder = []string{"anthropic", "openai", "openrouter", "ollama"}

// DefaultModels is the model used for a provider with no selected model.
var DefaultModels = map[string]string{
	"anthropic":  "claude-sonnet-4-5",
	"openai":     "gpt-5",
	"openrouter": "openai/gpt-5",
	"xai":        "grok-4",
	"ollama":     "llama3.2",
	"echo":       "echo",
}

// Candidate is the next provider and model to try.
type Candidate struct {
	Provider string
	Model    string
}

// ProviderLookup answers configuration questions for the fallback walk.
// *Registry implements it.
type ProviderLookup interface {
	IsConfigured(provider string) bool
	SelectedModel(provider string) string
}

// FallbackResolver picks the next provider after a fallback-eligible failure.
// It holds no mutable state.
type FallbackResolver struct {
	order  []string
	lookup ProviderLookup
}

// NewFallbackResolver creates a resolver over order. Repeated entries keep
// their first position. A nil or empty order uses DefaultFallbackOrder.
func NewFallbackResolver(order []string, lookup ProviderLookup) *FallbackResolver {
	if len(order) == 0 {
		order = DefaultFallbackOrder
	}
	seen := make(map[string]bool, len(order))
	deduped := make([]string, 0, len(order))
	for _, p := range order {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		deduped = append(deduped, p)
	}
	return &FallbackResolver{order: deduped, lookup: lookup}
}

// Order returns a copy of the effective priority order.
func (f *FallbackResolver) Order() []string {
	return append([]string(nil), f.order...)
}

// Next walks the order starting after current, wrapping once, and returns the
// first provider that is not current, not failed and configured. It returns
// nil when the chain is exhausted.
func (f *FallbackResolver) Next(current string, failed map[string]bool, lastErr ErrorClassification) *Candidate {
	n := len(f.order)
	start := -1
	for i, p := range f.order {
		if p == current {
			start = i
			break
		}
	}

	for step := 1; step <= n; step++ {
		p := f.order[(start+step+n)%n]
		if p == current || failed[p] {
			continue
		}
		if f.lookup != nil && !f.lookup.IsConfigured(p) {
			L_trace("fallback: skipping unconfigured provider", "provider", p)
			continue
		}
		model := ""
		if f.lookup != nil {
			model = f.lookup.SelectedModel(p)
		}
		if model == "" {
			model = DefaultModels[p]
		}
		L_debug("fallback: candidate selected",
			"from", current,
			"to", p,
			"model", model,
			"reason", lastErr.Category)
		return &Candidate{Provider: p, Model: model}
	}

	L_debug("fallback: chain exhausted", "from", current, "failed", len(failed))
	return nil
}
