package router

import (
	"github.com/jefflaplante/cascade/pkg/tokens"
)

// costInputs is everything the cost accountant needs about one finished
// request.
type costInputs struct {
	draftUsage    *UsageCounts
	verifierUsage *UsageCounts
	draftPricing  ModelPricing
	verifPricing  ModelPricing
	draftAccepted bool
}

// buildCostBreakdown computes attributed spend plus the counterfactual:
// what the same request would have cost served by the verifier alone.
//
// When the verifier actually ran, its own usage is the counterfactual.
// When a draft was accepted, the draft's token counts are priced at
// verifier rates; the verifier would have seen the same prompt and we
// assume a comparable completion. SavedAmount may be negative: a
// rejected draft buys nothing and its cost is pure overhead.
func buildCostBreakdown(in costInputs) CostBreakdown {
	var b CostBreakdown

	if in.draftUsage != nil {
		b.DraftCost = CalculateCost(in.draftPricing, *in.draftUsage)
		b.Estimated = b.Estimated || in.draftUsage.Estimated
	}
	if in.verifierUsage != nil {
		b.VerifierCost = CalculateCost(in.verifPricing, *in.verifierUsage)
		b.Estimated = b.Estimated || in.verifierUsage.Estimated
	}
	b.TotalCost = b.DraftCost + b.VerifierCost

	switch {
	case in.verifierUsage != nil:
		b.CounterfactualCost = CalculateCost(in.verifPricing, *in.verifierUsage)
	case in.draftAccepted && in.draftUsage != nil:
		b.CounterfactualCost = CalculateCost(in.verifPricing, *in.draftUsage)
	}

	b.SavedAmount = b.CounterfactualCost - b.TotalCost
	if b.CounterfactualCost > 0 {
		b.SavingsPercent = 100 * b.SavedAmount / b.CounterfactualCost
	}
	return b
}

// estimateUsage synthesises token counts when a provider response omits
// them. Counts are flagged so downstream accounting can distinguish
// measured spend from approximation.
func estimateUsage(counter *tokens.Counter, req *ChatRequest, content string) UsageCounts {
	var prompt int
	for _, m := range req.Messages {
		prompt += countOrEstimate(counter, m.Content)
	}
	return UsageCounts{
		PromptTokens:     prompt,
		CompletionTokens: countOrEstimate(counter, content),
		Estimated:        true,
	}
}

func countOrEstimate(counter *tokens.Counter, text string) int {
	if counter != nil {
		return counter.Count(text)
	}
	return tokens.Estimate(text)
}

// estimateRequestCost projects the spend for admission checks before
// any provider call: prompt at drafter input rates plus a nominal
// completion at verifier output rates, the worst single-call case.
func estimateRequestCost(counter *tokens.Counter, req *ChatRequest, draft, verif ModelPricing, maxTokens int) float64 {
	var prompt int
	for _, m := range req.Messages {
		prompt += countOrEstimate(counter, m.Content)
	}
	completion := maxTokens
	if completion <= 0 {
		completion = 512
	}
	in := float64(prompt) / 1_000_000.0 * maxFloat(draft.InputPerMToken, verif.InputPerMToken)
	out := float64(completion) / 1_000_000.0 * maxFloat(draft.OutputPerMToken, verif.OutputPerMToken)
	return in + out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
