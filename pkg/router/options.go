package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jefflaplante/cascade/pkg/profiles"
)

// RequestOptions are per-request knobs. The zero value is a plain
// cascade request with no identity, no tools, and engine defaults.
type RequestOptions struct {
	// Identity keys admission control and usage attribution. Empty falls
	// back to Profile.Identity; both empty skips rate limiting and budget
	// enforcement for the request.
	Identity string

	// Profile applies per-request overrides on top of the engine's
	// user and workflow profiles.
	Profile *profiles.Profile

	// Tools available to the models for this request.
	Tools []ToolSpec

	// ForceDirect bypasses the cascade and serves from the verifier.
	ForceDirect bool

	// MaxTokens caps the completion. 0 uses the provider default.
	MaxTokens int

	// MaxSteps bounds an embedder's tool-use loop. The engine performs a
	// single generation round itself and forwards the value to providers
	// under Extra.
	MaxSteps int

	// Temperature, when non-nil, is passed through to providers.
	Temperature *float64

	// TimeoutMs bounds the whole request. The engine takes the tightest
	// of this, the configured RequestTimeout, and the profile latency cap.
	TimeoutMs int

	// Trace collects a per-request decision trace on the result.
	Trace bool

	// Extra is an opaque pass-through to the provider client.
	Extra map[string]any

	// Metadata is carried through to events for correlation.
	Metadata map[string]string
}

// timeout returns the option's deadline as a duration, 0 when unset.
func (o RequestOptions) timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// RequestOptionsFromMap builds options from loosely-typed key/value
// pairs, for callers that front the engine with JSON or YAML payloads.
// The key set is closed: unknown keys are refused so a misspelled knob
// fails loudly instead of silently falling back to a default.
func RequestOptionsFromMap(m map[string]any) (RequestOptions, error) {
	var opts RequestOptions
	for key, raw := range m {
		var err error
		switch key {
		case "force_direct":
			opts.ForceDirect, err = asBool(key, raw)
		case "max_tokens":
			opts.MaxTokens, err = asInt(key, raw)
		case "max_steps":
			opts.MaxSteps, err = asInt(key, raw)
		case "temperature":
			var f float64
			if f, err = asFloat(key, raw); err == nil {
				opts.Temperature = &f
			}
		case "timeout_ms":
			opts.TimeoutMs, err = asInt(key, raw)
		case "trace":
			opts.Trace, err = asBool(key, raw)
		case "tools":
			err = reshape(raw, &opts.Tools)
		case "profile":
			err = reshape(raw, &opts.Profile)
			if err == nil && opts.Profile != nil {
				opts.Identity = opts.Profile.Identity
			}
		case "extra":
			var ok bool
			if opts.Extra, ok = raw.(map[string]any); !ok {
				err = fmt.Errorf("extra must be an object")
			}
		default:
			return RequestOptions{}, &ConfigError{Field: "options." + key, Reason: "unknown option"}
		}
		if err != nil {
			return RequestOptions{}, &ConfigError{Field: "options." + key, Reason: err.Error()}
		}
	}
	return opts, nil
}

// reshape converts a decoded-any value into a typed destination through
// a JSON round trip.
func reshape(raw, dst any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("wrong shape: %v", err)
	}
	return nil
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func asInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}

func asFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
