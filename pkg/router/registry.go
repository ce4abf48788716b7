package router

import (
	"fmt"
	"strings"
)

// ModelPricing holds per-token costs for a model.
type ModelPricing struct {
	InputPerMToken  float64 // Cost per million input tokens
	OutputPerMToken float64 // Cost per million output tokens
}

// ModelInfo is the registry's record for one model family.
type ModelInfo struct {
	Pricing  ModelPricing
	Features []Feature
}

// DefaultCatalog maps model ID prefixes to pricing and capabilities.
// Keys may be bare model prefixes or "provider/model" pairs; lookup
// prefers the qualified form. Prefix matching handles date-suffixed
// models like claude-sonnet-4-20250514.
var DefaultCatalog = map[string]ModelInfo{
	"claude-opus-4":     {Pricing: ModelPricing{15.0, 75.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"claude-sonnet-4":   {Pricing: ModelPricing{3.0, 15.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"claude-haiku-4":    {Pricing: ModelPricing{0.80, 4.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"claude-3-5-sonnet": {Pricing: ModelPricing{3.0, 15.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"claude-3-5-haiku":  {Pricing: ModelPricing{0.80, 4.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"claude-3-haiku":    {Pricing: ModelPricing{0.25, 1.25}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"gpt-4o":            {Pricing: ModelPricing{2.50, 10.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"gpt-4o-mini":       {Pricing: ModelPricing{0.15, 0.60}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"gpt-4-turbo":       {Pricing: ModelPricing{10.0, 30.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"gpt-4":             {Pricing: ModelPricing{30.0, 60.0}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"gpt-3.5-turbo":     {Pricing: ModelPricing{0.50, 1.50}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureSystemMessage}},
	"o1":                {Pricing: ModelPricing{15.0, 60.0}, Features: []Feature{FeatureStreaming, FeatureReasoning}},
	"o1-mini":           {Pricing: ModelPricing{1.10, 4.40}, Features: []Feature{FeatureStreaming, FeatureReasoning}},
	"o3-mini":           {Pricing: ModelPricing{1.10, 4.40}, Features: []Feature{FeatureTools, FeatureStreaming, FeatureReasoning}},
}

// defaultFeatures is assumed for models absent from the catalog.
var defaultFeatures = []Feature{FeatureStreaming, FeatureSystemMessage, FeatureTools}

// Registry resolves pricing and capabilities for models. It is immutable
// after construction and safe for concurrent use.
type Registry struct {
	catalog map[string]ModelInfo
}

// NewRegistry returns a registry over the default catalog, with entries
// from overrides replacing or extending it.
func NewRegistry(overrides ...map[string]ModelInfo) *Registry {
	catalog := make(map[string]ModelInfo, len(DefaultCatalog))
	for k, v := range DefaultCatalog {
		catalog[k] = v
	}
	for _, o := range overrides {
		for k, v := range o {
			catalog[k] = v
		}
	}
	return &Registry{catalog: catalog}
}

// Lookup resolves a descriptor to its catalog entry: the qualified
// "provider/model" key first, then the bare model, then the longest
// matching prefix of either.
func (r *Registry) Lookup(provider, model string) (ModelInfo, bool) {
	if model == "" {
		return ModelInfo{}, false
	}
	if provider != "" {
		if info, ok := r.catalog[provider+"/"+model]; ok {
			return info, true
		}
	}
	if info, ok := r.catalog[model]; ok {
		return info, true
	}
	// Longest-prefix match keeps gpt-4o-mini-2025 from resolving as gpt-4.
	var best string
	var bestInfo ModelInfo
	for key, info := range r.catalog {
		k := key
		if i := strings.IndexByte(k, '/'); i >= 0 {
			if provider == "" || k[:i] != provider {
				continue
			}
			k = k[i+1:]
		}
		if strings.HasPrefix(model, k) && len(k) > len(best) {
			best = k
			bestInfo = info
		}
	}
	if best != "" {
		return bestInfo, true
	}
	return ModelInfo{}, false
}

// PricingFor resolves pricing for a descriptor. Descriptor overrides win
// over the catalog. ok is false when the model is unknown and not
// overridden; callers then cost the model at zero and should surface a
// warning so silent free-tier accounting does not go unnoticed.
func (r *Registry) PricingFor(desc ModelDescriptor) (ModelPricing, bool) {
	if desc.InputPerMTokens > 0 || desc.OutputPerMTokens > 0 {
		return ModelPricing{InputPerMToken: desc.InputPerMTokens, OutputPerMToken: desc.OutputPerMTokens}, true
	}
	if info, ok := r.Lookup(desc.Provider, desc.Model); ok {
		return info.Pricing, true
	}
	return ModelPricing{}, false
}

// FeaturesFor resolves the capability set for a descriptor: descriptor
// override, then client capabilities, then catalog, then the permissive
// default.
func (r *Registry) FeaturesFor(desc ModelDescriptor) FeatureSet {
	if desc.Features != nil {
		return NewFeatureSet(desc.Features...)
	}
	if desc.Client != nil {
		if caps := desc.Client.Capabilities(); len(caps) > 0 {
			return caps
		}
	}
	if info, ok := r.Lookup(desc.Provider, desc.Model); ok {
		return NewFeatureSet(info.Features...)
	}
	return NewFeatureSet(defaultFeatures...)
}

// Remap rewrites a request for the quirks of the target model and
// returns a copy; the input is never mutated.
//
// Reasoning models: MaxTokens moves to MaxCompletionTokens, and any
// temperature other than the provider default of 1 is rejected rather
// than silently dropped. Models without system-message support get
// system turns folded into the first user turn.
func (r *Registry) Remap(desc ModelDescriptor, req *ChatRequest) (*ChatRequest, error) {
	out := *req
	out.Model = desc.Model
	features := r.FeaturesFor(desc)

	if features.Has(FeatureReasoning) {
		if out.Temperature != nil && *out.Temperature != 1 {
			return nil, &ConfigError{
				Field:  "temperature",
				Reason: fmt.Sprintf("model %s accepts only the default temperature", desc.Model),
			}
		}
		out.Temperature = nil
		if out.MaxTokens > 0 {
			out.MaxCompletionTokens = out.MaxTokens
			out.MaxTokens = 0
		}
	}

	if !features.Has(FeatureSystemMessage) {
		out.Messages = foldSystemMessages(req.Messages)
	}

	return &out, nil
}

// foldSystemMessages prepends system content to the first user turn for
// models that reject a system role. Order among non-system turns is
// preserved.
func foldSystemMessages(msgs []ChatMessage) []ChatMessage {
	var system []string
	rest := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	if len(system) == 0 {
		return msgs
	}
	prefix := strings.Join(system, "\n\n")
	for i := range rest {
		if rest[i].Role == RoleUser {
			rest[i].Content = prefix + "\n\n" + rest[i].Content
			return rest
		}
	}
	// No user turn to fold into; surface the instructions as one.
	return append([]ChatMessage{{Role: RoleUser, Content: prefix}}, rest...)
}

// CalculateCost returns the cost in USD for token usage under a pricing
// entry.
func CalculateCost(pricing ModelPricing, usage UsageCounts) float64 {
	inputCost := float64(usage.PromptTokens) / 1_000_000.0 * pricing.InputPerMToken
	outputCost := float64(usage.CompletionTokens) / 1_000_000.0 * pricing.OutputPerMToken
	return inputCost + outputCost
}
