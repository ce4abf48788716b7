package router

import (
	"context"
	"fmt"
	"sort"
)

// Feature identifies a capability a model supports.
type Feature string

const (
	// FeatureTools means the model accepts tool specs and may emit tool calls.
	FeatureTools Feature = "tools"

	// FeatureStreaming means the model supports incremental token delivery.
	FeatureStreaming Feature = "streaming"

	// FeatureReasoning marks reasoning models with restricted generation
	// options (fixed temperature, renamed token budget, no system role).
	FeatureReasoning Feature = "reasoning"

	// FeatureSystemMessage means the model accepts a system-role message.
	FeatureSystemMessage Feature = "system_message"
)

// FeatureSet is the static capability set of a model.
type FeatureSet map[Feature]bool

// NewFeatureSet builds a set from the given features.
func NewFeatureSet(features ...Feature) FeatureSet {
	fs := make(FeatureSet, len(features))
	for _, f := range features {
		fs[f] = true
	}
	return fs
}

// Has reports whether the set contains f. Nil-safe.
func (fs FeatureSet) Has(f Feature) bool {
	return fs != nil && fs[f]
}

// List returns the features in sorted order, for logging.
func (fs FeatureSet) List() []string {
	out := make([]string, 0, len(fs))
	for f, ok := range fs {
		if ok {
			out = append(out, string(f))
		}
	}
	sort.Strings(out)
	return out
}

// ChatRequest is one generation request sent to a provider client.
type ChatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Tools    []ToolSpec    `json:"tools,omitempty"`

	MaxTokens int `json:"max_tokens,omitempty"`

	// MaxCompletionTokens replaces MaxTokens for reasoning models.
	// Set by Registry.Remap; callers should set MaxTokens.
	MaxCompletionTokens int `json:"max_completion_tokens,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`

	// Extra is an opaque pass-through to the provider client.
	Extra map[string]any `json:"extra,omitempty"`
}

// ChatResponse is a provider's complete (non-streaming) response.
type ChatResponse struct {
	Content   string      `json:"content"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     UsageCounts `json:"usage"`

	// Metadata carries provider-specific signals. Recognised keys:
	// "avg_logprob" (float64) and "reasoning_tokens" (int) feed the
	// quality validator's confidence score.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider metadata keys the validator recognises.
const (
	MetaAvgLogProb      = "avg_logprob"
	MetaReasoningTokens = "reasoning_tokens"
)

// ProviderEventType tags one event on a provider stream.
type ProviderEventType int

const (
	// ProviderEventDelta carries a text fragment.
	ProviderEventDelta ProviderEventType = iota

	// ProviderEventToolFragment carries a partial tool call. Fragments with
	// the same ToolID accumulate; the engine coalesces them at finish.
	ProviderEventToolFragment

	// ProviderEventFinish terminates a successful stream and carries usage.
	ProviderEventFinish

	// ProviderEventError terminates a failed stream.
	ProviderEventError
)

// ProviderEvent is one element of a provider stream.
type ProviderEvent struct {
	Type ProviderEventType

	// Delta is set for ProviderEventDelta.
	Delta string

	// Tool fragment fields, set for ProviderEventToolFragment.
	ToolID    string
	NameDelta string
	ArgsDelta string

	// Finish fields, set for ProviderEventFinish. Metadata mirrors
	// ChatResponse.Metadata so the quality gate sees the same confidence
	// signals on both paths.
	FinishReason string
	Usage        *UsageCounts
	Metadata     map[string]any

	// Err is set for ProviderEventError.
	Err *ProviderError
}

// Provider is the abstract client contract the engine consumes. One
// implementation wraps one upstream SDK; the engine never talks to a
// provider API directly.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req *ChatRequest) (<-chan ProviderEvent, error)
	Capabilities() FeatureSet
}

// ProviderErrorKind classifies a provider failure.
type ProviderErrorKind string

const (
	ProviderErrAuth        ProviderErrorKind = "auth"
	ProviderErrQuota       ProviderErrorKind = "quota"
	ProviderErrRateLimited ProviderErrorKind = "rate_limited"
	ProviderErrTimeout     ProviderErrorKind = "timeout"
	ProviderErrBadRequest  ProviderErrorKind = "bad_request"
	ProviderErrServer      ProviderErrorKind = "server_error"
	ProviderErrCancelled   ProviderErrorKind = "cancelled"
)

// ProviderError is a provider failure mapped onto the closed kind set.
type ProviderError struct {
	Kind         ProviderErrorKind
	Model        string
	Message      string
	RetryAfterMs int64
}

func (e *ProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("provider error (%s) from %s: %s", e.Kind, e.Model, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether a failure of this kind is worth another tier.
// Auth and bad-request failures would fail identically on the verifier's
// provider only when the client is shared; the cascade still escalates on
// them because tiers may use different providers and credentials.
func (e *ProviderError) Retryable() bool {
	return e.Kind != ProviderErrCancelled
}
