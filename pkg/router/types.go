// Package router implements a two-tier speculative cascade for LLM
// inference: a cheap drafter serves most requests while a quality gate
// escalates the rest to a capable verifier. The package exposes the
// Agent facade plus the pieces it is composed from (complexity
// classifier, quality validator, tool risk tagging, pre-router, cost
// accounting, and the streaming engine).
package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/jefflaplante/cascade/pkg/admission"
	"github.com/jefflaplante/cascade/pkg/events"
	"github.com/jefflaplante/cascade/pkg/guardrails"
	"github.com/jefflaplante/cascade/pkg/metrics"
	"github.com/jefflaplante/cascade/pkg/profiles"
)

// Message roles. Ordering of messages in a conversation is significant;
// the engine never reorders them.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn in a conversation.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a tool the caller makes available for a request.
// Name must be unique within the request. The risk tag is derived from
// Name and Description by ClassifyTools.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation emitted by a model. The engine routes and
// reports tool calls; it never executes them.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments,omitempty"`
}

// UsageCounts is per-call token accounting. Estimated marks counts
// synthesised by the engine rather than reported by the provider.
type UsageCounts struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	ReasoningTokens  int  `json:"reasoning_tokens,omitempty"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Total returns prompt plus completion tokens.
func (u UsageCounts) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// ModelDescriptor binds one cascade tier to a provider client, pricing,
// and optional per-model overrides. Descriptors are immutable for the
// life of an Agent.
type ModelDescriptor struct {
	// Provider is the provider name ("anthropic", "openai", ...). Used for
	// registry lookups and event attribution.
	Provider string

	// Model is the exact model identifier sent to the client.
	Model string

	// Pricing overrides. When both are zero the registry is consulted.
	InputPerMTokens  float64
	OutputPerMTokens float64

	// QualityThreshold overrides the quality policy floor when this model
	// drafts. Nil inherits the policy.
	QualityThreshold *float64

	// Features overrides the registry's capability set when non-nil.
	Features []Feature

	// Client is the injected provider client serving this tier.
	Client Provider
}

// RoutingPolicy configures the pre-router's skip rules.
type RoutingPolicy struct {
	// SkipDrafterForHard routes hard and expert prompts directly to the
	// verifier without paying for a doomed draft.
	SkipDrafterForHard bool

	// SkipVerifierForTrivial serves trivial prompts from the drafter
	// without validation or escalation.
	SkipVerifierForTrivial bool
}

// BudgetPolicy bounds spend per request. The daily budget lives in
// admission control; this cap aborts a cascade between tiers when the
// projected total would exceed it.
type BudgetPolicy struct {
	// MaxPerRequest is the per-request spend ceiling in USD. 0 = unlimited.
	MaxPerRequest float64
}

// QualityWeights are the aggregate weights for the validator's component
// scores. They are normalised at validation time, and renormalised over
// heuristic and confidence when the semantic term is absent.
type QualityWeights struct {
	Heuristic  float64 `json:"heuristic"`
	Confidence float64 `json:"confidence"`
	Semantic   float64 `json:"semantic"`
}

// QualityPolicy controls when a draft ends the cascade.
type QualityPolicy struct {
	// Floor is the minimum aggregate score in [0,1] used when no tier
	// threshold applies.
	Floor float64

	// MinResponseChars fails drafts shorter than this (unless they carry
	// tool calls).
	MinResponseChars int

	// TierThresholds maps complexity levels to score thresholds.
	TierThresholds map[Complexity]float64

	// UseSemanticValidation enables the embedding similarity term when an
	// Embedder is wired.
	UseSemanticValidation bool

	// SemanticThreshold is the minimum cosine similarity in [0,1].
	SemanticThreshold float64

	// SemanticHardReject fails a draft whose semantic score is below
	// SemanticThreshold even when the aggregate passes. When false the
	// semantic score is only a weighted term in the aggregate.
	SemanticHardReject bool

	// StrictMode takes the max of the tier threshold and the floor.
	StrictMode bool

	// Weights for the aggregate. Zero value falls back to defaults.
	Weights QualityWeights
}

// DefaultQualityPolicy returns the policy used when the config leaves
// Quality zero-valued.
func DefaultQualityPolicy() QualityPolicy {
	return QualityPolicy{
		Floor:            0.5,
		MinResponseChars: 10,
		TierThresholds: map[Complexity]float64{
			ComplexityTrivial:  0.30,
			ComplexitySimple:   0.40,
			ComplexityModerate: 0.55,
			ComplexityHard:     0.70,
			ComplexityExpert:   0.85,
		},
		SemanticThreshold: 0.60,
		Weights:           QualityWeights{Heuristic: 0.5, Confidence: 0.3, Semantic: 0.2},
	}
}

// EffectiveThreshold resolves the threshold for a request: strict mode
// takes the max of the tier threshold and the floor; otherwise the tier
// threshold applies when configured, else the floor.
func (p QualityPolicy) EffectiveThreshold(c Complexity) float64 {
	tiered, ok := p.TierThresholds[c]
	if p.StrictMode {
		if ok && tiered > p.Floor {
			return tiered
		}
		return p.Floor
	}
	if ok {
		return tiered
	}
	return p.Floor
}

// VerdictReason is the closed set of quality verdict explanations.
type VerdictReason string

const (
	ReasonOK                  VerdictReason = "ok"
	ReasonTooShort            VerdictReason = "tooShort"
	ReasonRefusal             VerdictReason = "refusal"
	ReasonEmptyToolOnly       VerdictReason = "emptyToolOnlyAllowed"
	ReasonLowConfidence       VerdictReason = "lowConfidence"
	ReasonSemanticMismatch    VerdictReason = "semanticMismatch"
	ReasonHeuristicLow        VerdictReason = "heuristicLow"
	ReasonHighRiskTool        VerdictReason = "highRiskTool"
)

// QualityVerdict is the validator's decision plus every component signal
// that produced it, for tracing.
type QualityVerdict struct {
	Passed  bool               `json:"passed"`
	Score   float64            `json:"score"`
	Reason  VerdictReason      `json:"reason"`
	Signals map[string]float64 `json:"signals,omitempty"`
}

// RoutingStrategy labels how a request was served.
type RoutingStrategy string

const (
	StrategyDirect  RoutingStrategy = "direct"
	StrategyCascade RoutingStrategy = "cascade"
)

// CostBreakdown attributes spend for one request.
//
// Invariants: TotalCost = DraftCost + VerifierCost;
// SavedAmount = CounterfactualCost - TotalCost; an accepted draft has
// VerifierCost 0.
type CostBreakdown struct {
	DraftCost          float64 `json:"draft_cost"`
	VerifierCost       float64 `json:"verifier_cost"`
	TotalCost          float64 `json:"total_cost"`
	CounterfactualCost float64 `json:"counterfactual_cost"`
	SavedAmount        float64 `json:"saved_amount"`
	SavingsPercent     float64 `json:"savings_percent"`

	// Estimated is true when any contributing token count was synthesised.
	Estimated bool `json:"estimated,omitempty"`
}

// LatencyBreakdown attributes wall time per tier. CascadeOverheadMs is 0
// when the draft was accepted and DraftMs otherwise: the time the
// escalated request spent on a discarded draft.
type LatencyBreakdown struct {
	TotalMs           int64 `json:"total_ms"`
	DraftMs           int64 `json:"draft_ms"`
	VerifierMs        int64 `json:"verifier_ms"`
	CascadeOverheadMs int64 `json:"cascade_overhead_ms"`
}

// TraceEntry is one step of the per-request decision trace, collected
// when RequestOptions.Trace is set.
type TraceEntry struct {
	Seq       uint64    `json:"seq"`
	Component string    `json:"component"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// CascadeResult is the terminal outcome of one request.
type CascadeResult struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ModelUsed is the exact model string that produced Content.
	ModelUsed       string          `json:"model_used"`
	RoutingStrategy RoutingStrategy `json:"routing_strategy"`

	// Cascaded is true when the verifier ran after a rejected draft.
	Cascaded      bool `json:"cascaded"`
	DraftAccepted bool `json:"draft_accepted"`

	Complexity ComplexityScore `json:"complexity"`
	Verdict    *QualityVerdict `json:"verdict,omitempty"`

	DraftUsage    *UsageCounts `json:"draft_usage,omitempty"`
	VerifierUsage *UsageCounts `json:"verifier_usage,omitempty"`

	Cost    CostBreakdown    `json:"cost"`
	Latency LatencyBreakdown `json:"latency"`

	RequestID string       `json:"request_id"`
	Trace     []TraceEntry `json:"trace,omitempty"`
}

// Metadata returns the stable key set surfaced to callers. Every key is
// always present; values that do not apply are nil.
func (r *CascadeResult) Metadata() map[string]any {
	m := map[string]any{
		"routing_strategy":    nil,
		"model_used":          nil,
		"draft_accepted":      nil,
		"complexity":          nil,
		"quality_score":       nil,
		"quality_reason":      nil,
		"draft_cost":          nil,
		"verifier_cost":       nil,
		"total_cost":          nil,
		"saved_amount":        nil,
		"savings_percent":     nil,
		"latency_ms":          nil,
		"draft_latency_ms":    nil,
		"verifier_latency_ms": nil,
		"cascade_overhead_ms": nil,
	}
	if r == nil {
		return m
	}
	m["routing_strategy"] = string(r.RoutingStrategy)
	m["model_used"] = r.ModelUsed
	m["draft_accepted"] = r.DraftAccepted
	m["complexity"] = r.Complexity.Level.String()
	if r.Verdict != nil {
		m["quality_score"] = r.Verdict.Score
		m["quality_reason"] = string(r.Verdict.Reason)
	}
	m["draft_cost"] = r.Cost.DraftCost
	m["verifier_cost"] = r.Cost.VerifierCost
	m["total_cost"] = r.Cost.TotalCost
	m["saved_amount"] = r.Cost.SavedAmount
	m["savings_percent"] = r.Cost.SavingsPercent
	m["latency_ms"] = r.Latency.TotalMs
	m["draft_latency_ms"] = r.Latency.DraftMs
	m["verifier_latency_ms"] = r.Latency.VerifierMs
	m["cascade_overhead_ms"] = r.Latency.CascadeOverheadMs
	return m
}

// CascadeConfig assembles an Agent. Models is the only required field:
// index 0 is the drafter, the last entry is the verifier. A single-model
// config degenerates to direct routing. Escalation traverses the list
// strictly forward; with more than two entries the middle tiers are held
// in reserve and never invoked by a single cascade (at most two provider
// calls per request).
type CascadeConfig struct {
	Models []ModelDescriptor

	Quality QualityPolicy
	Routing RoutingPolicy
	Budget  BudgetPolicy

	// EnableCaching memoises embeddings by content. Never changes
	// observable results.
	EnableCaching bool

	// Speculative starts the verifier as soon as the draft arrives,
	// cancelling it on acceptance. Observable results are identical to
	// sequential mode; only tail latency changes. Default off: a cancelled
	// speculative call may still bill partial verifier tokens upstream.
	Speculative bool

	// PerModelTimeout bounds each provider call; RequestTimeout bounds the
	// whole cascade. Zero means no deadline.
	PerModelTimeout time.Duration
	RequestTimeout  time.Duration

	// UserProfiles maps request identities to their standing profiles.
	// Workflow, when set, overlays every request regardless of identity.
	// Per-request option profiles overlay both.
	UserProfiles map[string]*profiles.Profile
	Workflow     *profiles.Profile

	// Collaborators. Nil disables the concern.
	Registry   *Registry
	Embedder   Embedder
	Guardrails *guardrails.Checker
	Admission  *admission.Controller
	Profiles   *profiles.Resolver
	Bus        *events.Bus
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// Drafter returns the first (cheapest) model.
func (c CascadeConfig) Drafter() ModelDescriptor {
	return c.Models[0]
}

// Verifier returns the last (most capable) model.
func (c CascadeConfig) Verifier() ModelDescriptor {
	return c.Models[len(c.Models)-1]
}
