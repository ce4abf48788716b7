package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- registry tests ---

func TestRegistry_LookupExactAndPrefix(t *testing.T) {
	r := NewRegistry()

	info, ok := r.Lookup("", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 2.50, info.Pricing.InputPerMToken)

	// Date-suffixed models resolve by longest prefix: gpt-4o-mini-2025
	// must match gpt-4o-mini, not gpt-4o or gpt-4.
	info, ok = r.Lookup("", "gpt-4o-mini-2025-01-01")
	require.True(t, ok)
	assert.Equal(t, 0.15, info.Pricing.InputPerMToken)

	info, ok = r.Lookup("anthropic", "claude-sonnet-4-20250514")
	require.True(t, ok)
	assert.Equal(t, 3.0, info.Pricing.InputPerMToken)

	_, ok = r.Lookup("", "unknown-model")
	assert.False(t, ok)
	_, ok = r.Lookup("", "")
	assert.False(t, ok)
}

func TestRegistry_QualifiedKeyWins(t *testing.T) {
	r := NewRegistry(map[string]ModelInfo{
		"local/gpt-4o": {Pricing: ModelPricing{InputPerMToken: 0.01, OutputPerMToken: 0.02}},
	})

	info, ok := r.Lookup("local", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 0.01, info.Pricing.InputPerMToken)

	// Other providers still see the catalog entry.
	info, ok = r.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 2.50, info.Pricing.InputPerMToken)
}

func TestRegistry_QualifiedPrefixScopedToProvider(t *testing.T) {
	r := NewRegistry(map[string]ModelInfo{
		"local/llama": {Pricing: ModelPricing{InputPerMToken: 0.0, OutputPerMToken: 0.0}, Features: []Feature{FeatureStreaming}},
	})

	// The qualified prefix matches only under its own provider.
	_, ok := r.Lookup("other", "llama-3.1-8b")
	assert.False(t, ok)

	info, ok := r.Lookup("local", "llama-3.1-8b")
	require.True(t, ok)
	assert.Equal(t, []Feature{FeatureStreaming}, info.Features)
}

func TestRegistry_PricingForDescriptorOverride(t *testing.T) {
	r := NewRegistry()

	p, ok := r.PricingFor(ModelDescriptor{Model: "gpt-4o", InputPerMTokens: 1.0, OutputPerMTokens: 2.0})
	require.True(t, ok)
	assert.Equal(t, 1.0, p.InputPerMToken)
	assert.Equal(t, 2.0, p.OutputPerMToken)

	p, ok = r.PricingFor(ModelDescriptor{Model: "gpt-4o"})
	require.True(t, ok)
	assert.Equal(t, 2.50, p.InputPerMToken)

	// Unknown and unpriced: the caller costs it at zero.
	_, ok = r.PricingFor(ModelDescriptor{Model: "homebrew-7b"})
	assert.False(t, ok)
}

func TestRegistry_FeaturesForPrecedence(t *testing.T) {
	r := NewRegistry()

	// Descriptor override wins over everything.
	fs := r.FeaturesFor(ModelDescriptor{Model: "gpt-4o", Features: []Feature{FeatureStreaming}})
	assert.True(t, fs.Has(FeatureStreaming))
	assert.False(t, fs.Has(FeatureTools))

	// Client capabilities beat the catalog.
	client := NewMockProvider("mock")
	client.SetFeatures(FeatureTools)
	fs = r.FeaturesFor(ModelDescriptor{Model: "gpt-4o", Client: client})
	assert.True(t, fs.Has(FeatureTools))
	assert.False(t, fs.Has(FeatureStreaming))

	// Catalog supplies known models.
	fs = r.FeaturesFor(ModelDescriptor{Model: "o1-mini"})
	assert.True(t, fs.Has(FeatureReasoning))
	assert.False(t, fs.Has(FeatureTools))

	// Unknown models get the permissive default.
	fs = r.FeaturesFor(ModelDescriptor{Model: "homebrew-7b"})
	assert.True(t, fs.Has(FeatureTools))
	assert.True(t, fs.Has(FeatureSystemMessage))
}

// --- request remapping tests ---

func TestRegistry_RemapReasoningModel(t *testing.T) {
	r := NewRegistry()
	desc := ModelDescriptor{Model: "o1-mini"}

	req := &ChatRequest{
		Messages:  []ChatMessage{{Role: RoleUser, Content: "hi"}},
		MaxTokens: 256,
	}
	out, err := r.Remap(desc, req)
	require.NoError(t, err)
	assert.Equal(t, "o1-mini", out.Model)
	assert.Equal(t, 0, out.MaxTokens)
	assert.Equal(t, 256, out.MaxCompletionTokens)

	// The input request is never mutated.
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, 0, req.MaxCompletionTokens)
}

func TestRegistry_RemapRejectsTunedTemperature(t *testing.T) {
	r := NewRegistry()
	temp := 0.2
	req := &ChatRequest{
		Messages:    []ChatMessage{{Role: RoleUser, Content: "hi"}},
		Temperature: &temp,
	}

	_, err := r.Remap(ModelDescriptor{Model: "o1"}, req)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "temperature", cfgErr.Field)

	// The provider default of 1 passes and is dropped from the wire form.
	one := 1.0
	req.Temperature = &one
	out, err := r.Remap(ModelDescriptor{Model: "o1"}, req)
	require.NoError(t, err)
	assert.Nil(t, out.Temperature)
}

func TestRegistry_RemapFoldsSystemMessages(t *testing.T) {
	r := NewRegistry()
	desc := ModelDescriptor{Model: "bare-llm", Features: []Feature{FeatureStreaming}}

	req := &ChatRequest{Messages: []ChatMessage{
		{Role: RoleSystem, Content: "Be terse."},
		{Role: RoleSystem, Content: "Answer in English."},
		{Role: RoleUser, Content: "What is Go?"},
		{Role: RoleAssistant, Content: "A language."},
	}}
	out, err := r.Remap(desc, req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, RoleUser, out.Messages[0].Role)
	assert.Equal(t, "Be terse.\n\nAnswer in English.\n\nWhat is Go?", out.Messages[0].Content)
	assert.Equal(t, RoleAssistant, out.Messages[1].Role)

	// No user turn: the folded instructions become one.
	req = &ChatRequest{Messages: []ChatMessage{{Role: RoleSystem, Content: "Be terse."}}}
	out, err = r.Remap(desc, req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, RoleUser, out.Messages[0].Role)
	assert.Equal(t, "Be terse.", out.Messages[0].Content)
}

func TestRegistry_RemapLeavesCapableModelsAlone(t *testing.T) {
	r := NewRegistry()
	temp := 0.7
	req := &ChatRequest{
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "Be terse."},
			{Role: RoleUser, Content: "hi"},
		},
		MaxTokens:   128,
		Temperature: &temp,
	}

	out, err := r.Remap(ModelDescriptor{Model: "gpt-4o"}, req)
	require.NoError(t, err)
	assert.Equal(t, 128, out.MaxTokens)
	assert.Equal(t, 0, out.MaxCompletionTokens)
	assert.Equal(t, &temp, out.Temperature)
	assert.Len(t, out.Messages, 2)
}
