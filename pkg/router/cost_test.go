package router

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// gpt-4o-mini / gpt-4o list prices.
var (
	miniPricing = ModelPricing{InputPerMToken: 0.15, OutputPerMToken: 0.60}
	fullPricing = ModelPricing{InputPerMToken: 2.50, OutputPerMToken: 10.0}
)

// --- cost accounting tests ---

func TestCalculateCost(t *testing.T) {
	cost := CalculateCost(fullPricing, UsageCounts{PromptTokens: 1_000_000, CompletionTokens: 500_000})
	assert.InDelta(t, 2.50+5.0, cost, 1e-12)

	assert.Equal(t, 0.0, CalculateCost(fullPricing, UsageCounts{}))
	assert.Equal(t, 0.0, CalculateCost(ModelPricing{}, UsageCounts{PromptTokens: 100, CompletionTokens: 100}))
}

func TestBuildCostBreakdown_AcceptedDraft(t *testing.T) {
	b := buildCostBreakdown(costInputs{
		draftUsage:    &UsageCounts{PromptTokens: 20, CompletionTokens: 40},
		draftPricing:  miniPricing,
		verifPricing:  fullPricing,
		draftAccepted: true,
	})

	// 20*0.15/1M + 40*0.60/1M = 0.000027
	assert.InDelta(t, 0.000027, b.DraftCost, 1e-12)
	assert.Equal(t, 0.0, b.VerifierCost)
	assert.InDelta(t, b.DraftCost, b.TotalCost, 1e-12)

	// Counterfactual prices the same tokens at verifier rates:
	// 20*2.50/1M + 40*10.0/1M = 0.00045
	assert.InDelta(t, 0.00045, b.CounterfactualCost, 1e-12)
	assert.InDelta(t, 0.000423, b.SavedAmount, 1e-12)
	assert.InDelta(t, 94.0, b.SavingsPercent, 0.01)
	assert.False(t, b.Estimated)
}

func TestBuildCostBreakdown_EscalationWastesDraftSpend(t *testing.T) {
	b := buildCostBreakdown(costInputs{
		draftUsage:    &UsageCounts{PromptTokens: 20, CompletionTokens: 40},
		verifierUsage: &UsageCounts{PromptTokens: 25, CompletionTokens: 60},
		draftPricing:  miniPricing,
		verifPricing:  fullPricing,
	})

	// Draft 0.000027; verifier 25*2.50/1M + 60*10/1M = 0.0006625.
	assert.InDelta(t, 0.000027, b.DraftCost, 1e-12)
	assert.InDelta(t, 0.0006625, b.VerifierCost, 1e-12)
	assert.InDelta(t, 0.0006895, b.TotalCost, 1e-12)

	// The verifier ran, so its own spend is the counterfactual; the
	// rejected draft is pure overhead and savings go negative.
	assert.InDelta(t, b.VerifierCost, b.CounterfactualCost, 1e-12)
	assert.InDelta(t, -b.DraftCost, b.SavedAmount, 1e-12)
	assert.Less(t, b.SavingsPercent, 0.0)
}

func TestBuildCostBreakdown_DirectVerifier(t *testing.T) {
	b := buildCostBreakdown(costInputs{
		verifierUsage: &UsageCounts{PromptTokens: 25, CompletionTokens: 60},
		verifPricing:  fullPricing,
	})

	assert.Equal(t, 0.0, b.DraftCost)
	assert.InDelta(t, b.VerifierCost, b.TotalCost, 1e-12)
	// Identical to verifier-only by definition: nothing saved, nothing wasted.
	assert.InDelta(t, 0.0, b.SavedAmount, 1e-12)
	assert.InDelta(t, 0.0, b.SavingsPercent, 1e-9)
}

func TestBuildCostBreakdown_DirectDrafterHasNoCounterfactual(t *testing.T) {
	// Draft served without validation: draftAccepted is false and no
	// verifier ran, so there is no verifier-only baseline to report.
	b := buildCostBreakdown(costInputs{
		draftUsage:   &UsageCounts{PromptTokens: 20, CompletionTokens: 40},
		draftPricing: miniPricing,
		verifPricing: fullPricing,
	})
	assert.Equal(t, 0.0, b.CounterfactualCost)
	assert.InDelta(t, -b.TotalCost, b.SavedAmount, 1e-12)
	assert.Equal(t, 0.0, b.SavingsPercent)
}

func TestBuildCostBreakdown_EstimatedPropagates(t *testing.T) {
	b := buildCostBreakdown(costInputs{
		draftUsage:    &UsageCounts{PromptTokens: 20, CompletionTokens: 40, Estimated: true},
		verifierUsage: &UsageCounts{PromptTokens: 25, CompletionTokens: 60},
		draftPricing:  miniPricing,
		verifPricing:  fullPricing,
	})
	assert.True(t, b.Estimated)
}

func TestEstimateRequestCost_WorstCaseRates(t *testing.T) {
	req := &ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "hello there"}}}

	// Costed at the dearer tier on both axes; nil counter falls back to
	// the size heuristic, which never returns zero for non-empty text.
	cost := estimateRequestCost(nil, req, miniPricing, fullPricing, 100)
	floor := 100.0 / 1_000_000.0 * fullPricing.OutputPerMToken
	assert.Greater(t, cost, floor)

	// Unset max tokens assumes a nominal 512-token completion.
	withDefault := estimateRequestCost(nil, req, miniPricing, fullPricing, 0)
	larger := estimateRequestCost(nil, req, miniPricing, fullPricing, 512)
	assert.InDelta(t, larger, withDefault, 1e-12)
}

func TestCostConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genUsage := gopter.CombineGens(gen.IntRange(0, 1_000_000), gen.IntRange(0, 1_000_000)).
		Map(func(vals []interface{}) UsageCounts {
			return UsageCounts{PromptTokens: vals[0].(int), CompletionTokens: vals[1].(int)}
		})

	properties.Property("total equals draft plus verifier and savings balance", prop.ForAll(
		func(draft, verif UsageCounts, accepted bool) bool {
			in := costInputs{
				draftUsage:    &draft,
				draftPricing:  miniPricing,
				verifPricing:  fullPricing,
				draftAccepted: accepted,
			}
			if !accepted {
				in.verifierUsage = &verif
			}
			b := buildCostBreakdown(in)
			if math.Abs(b.TotalCost-(b.DraftCost+b.VerifierCost)) > 1e-9 {
				return false
			}
			return math.Abs(b.SavedAmount-(b.CounterfactualCost-b.TotalCost)) < 1e-9
		},
		genUsage, genUsage, gen.Bool(),
	))

	properties.Property("accepted drafts never cost more than verifier-only", prop.ForAll(
		func(draft UsageCounts) bool {
			b := buildCostBreakdown(costInputs{
				draftUsage:    &draft,
				draftPricing:  miniPricing,
				verifPricing:  fullPricing,
				draftAccepted: true,
			})
			// Holds whenever the drafter is cheaper on both axes.
			return b.SavedAmount >= -1e-12 && b.VerifierCost == 0
		},
		genUsage,
	))

	properties.TestingRun(t)
}
