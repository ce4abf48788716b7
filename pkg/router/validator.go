package router

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"
)

// Signal keys in QualityVerdict.Signals.
const (
	SignalHeuristic  = "heuristic"
	SignalConfidence = "confidence"
	SignalSemantic   = "semantic"
	SignalAggregate  = "aggregate"
	SignalThreshold  = "threshold"
	SignalToolRisk   = "tool_risk"
	SignalLength     = "length_chars"
)

// refusalMarkers open a refusal. Matched against the start of the
// response only; a long answer that happens to quote one mid-text is
// not a refusal.
var refusalMarkers = []string{
	"i can't", "i cannot", "i can not", "i'm unable", "i am unable",
	"i'm sorry", "i am sorry", "as an ai", "cannot assist",
	"can't help with", "i won't", "i will not",
}

// refusalTokens are whole-response refusals.
var refusalTokens = map[string]bool{
	"idk": true, "dunno": true, "no idea": true, "n/a": true,
}

// hedgeMarkers dilute the directness component of the heuristic score.
var hedgeMarkers = []string{
	"i think", "maybe", "possibly", "it depends", "i'm not sure",
	"i am not sure", "it could be", "perhaps", "hard to say",
}

// expectedChars is the response length at which the heuristic's length
// component saturates, by prompt complexity. Trivial questions earn
// full marks with one short sentence; expert prompts expect substance.
var expectedChars = map[Complexity]int{
	ComplexityTrivial:  40,
	ComplexitySimple:   80,
	ComplexityModerate: 200,
	ComplexityHard:     400,
	ComplexityExpert:   600,
}

// ValidateInput is one draft to judge.
type ValidateInput struct {
	// Prompt is the user text the draft answered, post-redaction.
	Prompt string

	// Response is the draft.
	Response *ChatResponse

	// Complexity selects the tier threshold and length expectations.
	Complexity Complexity

	// Risks tags the tools declared on the request.
	Risks RiskTable

	// ThresholdOverride, when non-nil, replaces the policy threshold
	// (per-model descriptor override).
	ThresholdOverride *float64
}

// Validator decides whether a draft ends the cascade. Stateless apart
// from the embedding cache; safe for concurrent use.
type Validator struct {
	policy   QualityPolicy
	embedder Embedder
	cache    *embedCache
	logger   *zap.Logger
}

// NewValidator builds a validator. A nil embedder disables the semantic
// term regardless of policy.
func NewValidator(policy QualityPolicy, embedder Embedder, enableCaching bool, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	var cache *embedCache
	if enableCaching {
		cache = newEmbedCache()
	}
	return &Validator{policy: policy, embedder: embedder, cache: cache, logger: logger}
}

// WithPolicy returns a validator that judges against a different policy
// but shares the embedding cache. Used when a profile tightens quality
// requirements for one request.
func (v *Validator) WithPolicy(policy QualityPolicy) *Validator {
	clone := *v
	clone.policy = policy
	return &clone
}

// Validate scores a draft and decides accept or escalate.
//
// Tool calls short-circuit text scoring: a draft that only invokes
// low/medium risk tools is accepted (the tool result round-trip will
// surface problems), while any high or critical tool forces escalation
// no matter how good the text looks. Text drafts run the weighted
// heuristic/confidence/semantic aggregate against the tier threshold.
func (v *Validator) Validate(ctx context.Context, in ValidateInput) QualityVerdict {
	threshold := v.policy.EffectiveThreshold(in.Complexity)
	if in.ThresholdOverride != nil {
		threshold = *in.ThresholdOverride
	}
	signals := map[string]float64{SignalThreshold: threshold}

	resp := in.Response
	content := strings.TrimSpace(resp.Content)
	signals[SignalLength] = float64(len(content))

	if len(resp.ToolCalls) > 0 {
		risk := in.Risks.MaxRisk(resp.ToolCalls)
		signals[SignalToolRisk] = float64(risk)
		if risk.Escalates() {
			return QualityVerdict{Passed: false, Reason: ReasonHighRiskTool, Signals: signals}
		}
		reason := ReasonOK
		if content == "" {
			reason = ReasonEmptyToolOnly
		}
		return QualityVerdict{Passed: true, Score: 1, Reason: reason, Signals: signals}
	}

	// An empty draft with no tool calls fails regardless of policy:
	// MinResponseChars may be zero, but there is nothing to score.
	if content == "" {
		return QualityVerdict{Passed: false, Reason: ReasonTooShort, Signals: signals}
	}
	if isRefusal(content) {
		return QualityVerdict{Passed: false, Reason: ReasonRefusal, Signals: signals}
	}
	if len(content) < v.policy.MinResponseChars {
		return QualityVerdict{Passed: false, Reason: ReasonTooShort, Signals: signals}
	}

	heuristic := v.heuristicScore(content, in.Complexity)
	confidence := confidenceScore(resp, content)
	signals[SignalHeuristic] = heuristic
	signals[SignalConfidence] = confidence

	weights := v.policy.Weights
	if weights.Heuristic == 0 && weights.Confidence == 0 && weights.Semantic == 0 {
		weights = DefaultQualityPolicy().Weights
	}

	semantic := -1.0
	if v.policy.UseSemanticValidation && v.embedder != nil {
		sim, err := semanticSimilarity(ctx, v.embedder, v.cache, in.Prompt, content)
		if err != nil {
			// Embedding failure must never fail the request; score on the
			// remaining signals.
			v.logger.Debug("semantic validation unavailable", zap.Error(err))
		} else {
			semantic = sim
			signals[SignalSemantic] = sim
		}
	}

	var aggregate float64
	if semantic >= 0 {
		total := weights.Heuristic + weights.Confidence + weights.Semantic
		aggregate = (weights.Heuristic*heuristic + weights.Confidence*confidence + weights.Semantic*semantic) / total
	} else {
		total := weights.Heuristic + weights.Confidence
		aggregate = (weights.Heuristic*heuristic + weights.Confidence*confidence) / total
	}
	signals[SignalAggregate] = aggregate

	if semantic >= 0 && v.policy.SemanticHardReject && semantic < v.policy.SemanticThreshold {
		return QualityVerdict{Passed: false, Score: aggregate, Reason: ReasonSemanticMismatch, Signals: signals}
	}

	if aggregate < threshold {
		reason := ReasonLowConfidence
		if heuristic < confidence {
			reason = ReasonHeuristicLow
		}
		return QualityVerdict{Passed: false, Score: aggregate, Reason: reason, Signals: signals}
	}
	return QualityVerdict{Passed: true, Score: aggregate, Reason: ReasonOK, Signals: signals}
}

// heuristicScore rates surface quality: enough text for the question's
// weight, some structure, a direct voice.
func (v *Validator) heuristicScore(content string, c Complexity) float64 {
	expected := expectedChars[c]
	if expected == 0 {
		expected = 200
	}
	length := clamp01(float64(len(content)) / float64(expected))

	structure := 0.3
	if strings.ContainsAny(content, ".!?") {
		structure = 0.6
	}
	if strings.Count(content, "\n\n") >= 1 || strings.Contains(content, "\n- ") ||
		strings.Contains(content, "\n1.") || strings.Contains(content, "```") {
		structure = 1.0
	}

	lower := strings.ToLower(content)
	directness := 1.0
	for _, h := range hedgeMarkers {
		directness -= 0.25 * float64(strings.Count(lower, h))
	}
	directness = clamp01(directness)

	return 0.45*length + 0.2*structure + 0.25*directness + 0.1
}

// confidenceScore derives model confidence from response metadata.
// Providers that report avg logprobs give the cleanest signal; reasoning
// token counts are a weaker proxy; with neither, a mild length prior
// keeps the term from dominating.
func confidenceScore(resp *ChatResponse, content string) float64 {
	if v, ok := resp.Metadata[MetaAvgLogProb]; ok {
		if lp, ok := toFloat(v); ok {
			return clamp01(math.Exp(lp))
		}
	}
	if v, ok := resp.Metadata[MetaReasoningTokens]; ok {
		if rt, ok := toFloat(v); ok && rt >= 0 {
			return rt / (rt + 100)
		}
	}
	words := float64(len(strings.Fields(content)))
	return 0.5 + math.Min(0.3, words/400*0.3)
}

func isRefusal(content string) bool {
	lower := strings.ToLower(content)
	if refusalTokens[strings.TrimRight(lower, ".!")] {
		return true
	}
	head := lower
	if len(head) > 200 {
		head = head[:200]
	}
	for _, m := range refusalMarkers {
		if strings.HasPrefix(head, m) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
