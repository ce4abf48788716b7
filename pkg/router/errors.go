package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jefflaplante/cascade/pkg/admission"
	"github.com/jefflaplante/cascade/pkg/guardrails"
)

// Sentinel errors for errors.Is matching. Typed errors below wrap these.
var (
	ErrConfig             = errors.New("invalid cascade configuration")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrGuardrail          = errors.New("request rejected by guardrails")
	ErrTimeout            = errors.New("deadline exceeded")
	ErrCancelled          = errors.New("request cancelled")
)

// errEmbedderShape reports an embedder returning the wrong number of
// vectors. Validation treats it like any embed failure: drop the
// semantic term, never the request.
var errEmbedderShape = errors.New("embedder returned wrong vector count")

// ConfigError reports a config field that failed validation at
// construction or request time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// FeatureError reports a request requiring a capability no configured
// model supports.
type FeatureError struct {
	Feature Feature
	Model   string
}

func (e *FeatureError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("no configured model supports %s", e.Feature)
	}
	return fmt.Sprintf("model %s does not support %s", e.Model, e.Feature)
}

func (e *FeatureError) Unwrap() error { return ErrUnsupportedFeature }

// GuardrailError carries the findings that caused an input rejection.
// Finding spans reference the redacted prompt, never the raw one.
type GuardrailError struct {
	Findings []guardrails.Finding
}

func (e *GuardrailError) Error() string {
	kinds := make([]string, 0, len(e.Findings))
	seen := map[string]bool{}
	for _, f := range e.Findings {
		k := string(f.Kind)
		if f.Subtype != "" {
			k += "/" + f.Subtype
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return "guardrails: rejected: " + strings.Join(kinds, ", ")
}

func (e *GuardrailError) Unwrap() error { return ErrGuardrail }

// Error kind strings. Stable: callers branch on these and events carry
// them verbatim.
const (
	KindConfig             = "config"
	KindUnsupportedFeature = "unsupported_feature"
	KindRateLimited        = "rate_limited"
	KindBudgetExceeded     = "budget_exceeded"
	KindGuardrail          = "guardrail"
	KindProvider           = "provider"
	KindTimeout            = "timeout"
	KindCancelled          = "cancelled"
	KindUnknown            = "unknown"
)

// ErrorKind maps any error the engine returns to a stable kind string.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var rl *admission.RateLimitedError
	var be *admission.BudgetExceededError
	var pe *ProviderError
	switch {
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrUnsupportedFeature):
		return KindUnsupportedFeature
	case errors.Is(err, ErrGuardrail):
		return KindGuardrail
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.As(err, &be):
		return KindBudgetExceeded
	case errors.As(err, &pe):
		switch pe.Kind {
		case ProviderErrTimeout:
			return KindTimeout
		case ProviderErrCancelled:
			return KindCancelled
		default:
			return KindProvider
		}
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// ctxError converts a context error into the engine's sentinel wrapping,
// preserving errors.Is against both the sentinel and the context error.
func ctxError(ctx context.Context) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
	case context.Canceled:
		return fmt.Errorf("%w: %w", ErrCancelled, context.Canceled)
	default:
		return nil
	}
}
