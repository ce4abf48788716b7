// Package guardrails screens request input before any model sees it:
// a moderation pass that rejects unsafe prompts and a PII pass that
// finds and redacts identifying data. Both passes are pure functions of
// the text; nothing here calls a network.
package guardrails

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is a finding category.
type Kind string

const (
	KindViolence Kind = "violence"
	KindHate     Kind = "hate"
	KindSelfHarm Kind = "self_harm"
	KindSexual   Kind = "sexual"
	KindIllegal  Kind = "illegal"
	KindPII      Kind = "pii"
)

// Finding is one flagged span. Offsets are byte positions into the text
// that was checked; for PII findings surfaced after redaction they
// reference the redacted text.
type Finding struct {
	Kind    Kind   `json:"kind"`
	Subtype string `json:"subtype,omitempty"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// CheckResult is the outcome of a full guardrail pass. IsSafe reflects
// moderation only: PII makes a prompt redactable, not rejectable.
type CheckResult struct {
	IsSafe   bool      `json:"is_safe"`
	Findings []Finding `json:"findings,omitempty"`
}

// Checker runs the guardrail passes. It is immutable and safe for
// concurrent use; the zero value runs both passes.
type Checker struct {
	moderationOff bool
	piiOff        bool
}

// Options configures a Checker.
type Options struct {
	// DisableModeration turns off the unsafe-content pass.
	DisableModeration bool

	// DisablePII turns off detection and redaction.
	DisablePII bool
}

// NewChecker creates a checker.
func NewChecker(opts Options) *Checker {
	return &Checker{moderationOff: opts.DisableModeration, piiOff: opts.DisablePII}
}

// Check runs both passes and reports all findings. Nil-safe: a nil
// checker reports everything safe.
func (c *Checker) Check(text string) CheckResult {
	if c == nil {
		return CheckResult{IsSafe: true}
	}
	var findings []Finding
	safe := true
	if !c.moderationOff {
		mod := c.Moderate(text)
		safe = len(mod) == 0
		findings = append(findings, mod...)
	}
	if !c.piiOff {
		findings = append(findings, c.DetectPII(text)...)
	}
	return CheckResult{IsSafe: safe, Findings: dedupeFindings(findings)}
}

// Moderate runs only the unsafe-content pass.
func (c *Checker) Moderate(text string) []Finding {
	if c == nil || c.moderationOff {
		return nil
	}
	return dedupeFindings(moderate(text))
}

// DetectPII runs only the PII pass.
func (c *Checker) DetectPII(text string) []Finding {
	if c == nil || c.piiOff {
		return nil
	}
	return dedupeFindings(detectPII(text))
}

// Redact replaces every PII span with a "[REDACTED:<subtype>]" label
// and returns the redacted text plus findings whose offsets reference
// it. Labels contain no digits or address characters, so redaction is
// idempotent: redacting the output again changes nothing.
func (c *Checker) Redact(text string) (string, []Finding) {
	if c == nil || c.piiOff {
		return text, nil
	}
	found := dedupeFindings(detectPII(text))
	if len(found) == 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	out := make([]Finding, 0, len(found))
	prev := 0
	for _, f := range found {
		b.WriteString(text[prev:f.Start])
		label := fmt.Sprintf("[REDACTED:%s]", f.Subtype)
		start := b.Len()
		b.WriteString(label)
		out = append(out, Finding{Kind: f.Kind, Subtype: f.Subtype, Start: start, End: b.Len()})
		prev = f.End
	}
	b.WriteString(text[prev:])
	return b.String(), out
}

// dedupeFindings orders findings by start (ties: longer span first) and
// drops spans overlapping an earlier winner.
func dedupeFindings(findings []Finding) []Finding {
	if len(findings) < 2 {
		return findings
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End > findings[j].End
	})
	out := findings[:1]
	for _, f := range findings[1:] {
		if f.Start < out[len(out)-1].End {
			continue
		}
		out = append(out, f)
	}
	return out
}

// defaultChecker backs the package-level helpers.
var defaultChecker = NewChecker(Options{})

// Check runs both passes with the default checker.
func Check(text string) CheckResult { return defaultChecker.Check(text) }

// Redact redacts PII with the default checker.
func Redact(text string) (string, []Finding) { return defaultChecker.Redact(text) }
