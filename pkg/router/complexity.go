package router

import (
	"fmt"
	"strings"
)

// Complexity is the estimated difficulty tier of a prompt.
type Complexity int

const (
	// ComplexityTrivial is a greeting or single-fact lookup.
	ComplexityTrivial Complexity = iota

	// ComplexitySimple is a short, self-contained question.
	ComplexitySimple

	// ComplexityModerate needs some reasoning or a structured answer.
	ComplexityModerate

	// ComplexityHard is multi-step reasoning, specialist domains, or
	// design work.
	ComplexityHard

	// ComplexityExpert combines specialist domains with formal rigor
	// (proofs, long technical briefs, cross-domain synthesis).
	ComplexityExpert
)

// String returns a human-readable name for the complexity level.
func (c Complexity) String() string {
	switch c {
	case ComplexityTrivial:
		return "trivial"
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityHard:
		return "hard"
	case ComplexityExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// ComplexityScore holds the derived level, the raw score, and the why.
type ComplexityScore struct {
	// Level is the derived complexity tier.
	Level Complexity `json:"level"`

	// Score is the normalised score in [0,1]. Higher = more complex.
	Score float64 `json:"score"`

	// Confidence reflects how far the score sits from a tier boundary.
	Confidence float64 `json:"confidence"`

	// Reasons records why the score was set (useful for debugging / logging).
	Reasons []string `json:"reasons,omitempty"`
}

// Classifier estimates prompt complexity from lexical signals. It is
// stateless and safe for concurrent use.
type Classifier struct {
	// hardVerbs are directives that imply real work and floor the level
	// at moderate.
	hardVerbs map[string]bool

	// softVerbs are directives that raise the score without a floor.
	softVerbs map[string]bool

	// domains maps a domain name to its lexicon. Each distinct domain
	// hit raises the score once.
	domains map[string][]string
}

// NewClassifier creates a Classifier with the default signal tables.
func NewClassifier() *Classifier {
	return &Classifier{
		hardVerbs: map[string]bool{
			"design": true, "prove": true, "derive": true, "implement": true,
			"architect": true, "optimize": true, "optimise": true,
			"refactor": true, "formalize": true, "formalise": true,
			"synthesize": true, "synthesise": true, "devise": true,
			"reconcile": true,
		},
		softVerbs: map[string]bool{
			"explain": true, "analyze": true, "analyse": true, "compare": true,
			"summarize": true, "summarise": true, "evaluate": true,
			"critique": true, "debug": true,
		},
		domains: map[string][]string{
			"stem": {"quantum", "theorem", "lemma", "proof", "proofs", "integral",
				"derivative", "eigenvalue", "entanglement", "polynomial",
				"topology", "manifold", "tensor"},
			"philosophy": {"epistemology", "ontology", "metaphysics",
				"utilitarian", "deontological", "phenomenology", "dialectic"},
			"law": {"statute", "tort", "liability", "jurisdiction", "plaintiff",
				"indemnification", "precedent", "contractual"},
			"medicine": {"diagnosis", "pathology", "etiology", "pharmacology",
				"oncology", "cardiovascular", "prognosis", "comorbidity"},
			"systems": {"consensus", "byzantine", "distributed", "raft", "paxos",
				"idempotent", "sharding", "replication", "concurrency",
				"throughput", "linearizable", "quorum"},
			"ml": {"transformer", "gradient", "backpropagation", "embedding",
				"quantization", "attention", "overfitting", "hyperparameter"},
		},
	}
}

// simplePatterns reduce the score for greetings and single-fact lookups.
var simplePatterns = []string{
	"what is", "what's", "who is", "when did", "where is",
	"hello", "hi ", "hey", "thanks", "thank you", "define ",
}

// Classify scores a conversation. System and tool turns are excluded:
// complexity is a property of what the user asked and what the
// assistant has said so far, not of the scaffolding around it.
func (c *Classifier) Classify(messages []ChatMessage) ComplexityScore {
	var parts []string
	for _, m := range messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return c.ClassifyText(strings.Join(parts, "\n"))
}

// ClassifyText scores a single prompt.
func (c *Classifier) ClassifyText(text string) ComplexityScore {
	if strings.TrimSpace(text) == "" {
		return ComplexityScore{Level: ComplexityTrivial, Confidence: 1, Reasons: []string{"empty prompt"}}
	}

	score := 0
	var reasons []string
	lower := strings.ToLower(text)
	words := tokenize(lower)

	// Factor 1: prompt length
	switch n := len(words); {
	case n > 400:
		score += 30
		reasons = append(reasons, "very long prompt (>400 words)")
	case n > 120:
		score += 20
		reasons = append(reasons, "long prompt (>120 words)")
	case n > 30:
		score += 10
		reasons = append(reasons, "moderate prompt length")
	}

	// Factor 2: structural signals
	if strings.Contains(text, "```") {
		score += 15
		reasons = append(reasons, "contains code block")
	}
	if hasMathNotation(text) {
		score += 15
		reasons = append(reasons, "contains mathematical notation")
	}
	if strings.Count(text, "\n\n") >= 2 {
		score += 8
		reasons = append(reasons, "multi-part prompt")
	}

	// Factor 3: directive verbs
	hardDirective := false
	for w := range words {
		if c.hardVerbs[w] {
			score += 12
			reasons = append(reasons, fmt.Sprintf("directive verb: %s", w))
			hardDirective = true
			break
		}
	}
	if !hardDirective {
		for w := range words {
			if c.softVerbs[w] {
				score += 6
				reasons = append(reasons, fmt.Sprintf("analytic verb: %s", w))
				break
			}
		}
	}

	// Factor 4: specialist domain lexicons
	domainHits := 0
	for domain, lexicon := range c.domains {
		for _, term := range lexicon {
			if words[term] {
				score += 12
				reasons = append(reasons, fmt.Sprintf("specialist domain: %s", domain))
				domainHits++
				break
			}
		}
	}
	if domainHits >= 2 {
		score += 8
		reasons = append(reasons, "cross-domain prompt")
	}
	if hardDirective && domainHits > 0 {
		score += 20
		reasons = append(reasons, "directive task in a specialist domain")
	}

	// Factor 5: depth cues (capped so boilerplate does not dominate)
	depth := 0
	for _, cue := range []string{"in detail", "step by step", "step-by-step",
		"comprehensive", "rigorous", "trade-off", "tradeoff", "edge case"} {
		if strings.Contains(lower, cue) {
			depth += 8
		}
	}
	if depth > 16 {
		depth = 16
	}
	if depth > 0 {
		score += depth
		reasons = append(reasons, "asks for depth")
	}

	// Factor 6: simplicity markers reduce the score
	for _, pat := range simplePatterns {
		if strings.HasPrefix(lower, pat) || lower == strings.TrimSpace(pat) {
			score -= 15
			reasons = append(reasons, "simple question/greeting pattern")
			break
		}
	}

	result := scoreToResult(score, reasons)
	if hardDirective && result.Level < ComplexityModerate {
		result.Level = ComplexityModerate
		result.Reasons = append(result.Reasons, "floored at moderate: directive task")
	}
	return result
}

// tokenize splits lowered text into a word set, trimming punctuation so
// "proofs." matches "proofs".
func tokenize(lower string) map[string]bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '\'')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// mathRunes are symbols that only show up in prompts with real math.
// Deliberately excludes +, =, * so arithmetic in casual prompts does not
// count as notation.
var mathRunes = "∑∫√π≈≠≤≥∂∇"

func hasMathNotation(text string) bool {
	if strings.ContainsAny(text, mathRunes) {
		return true
	}
	for _, marker := range []string{"\\frac", "\\sum", "\\int", "$$"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// tier boundaries on the 0-100 scale.
var complexityBoundaries = []int{10, 25, 50, 75}

// scoreToResult converts a raw score to a ComplexityScore with the
// appropriate level. Confidence grows with distance from the nearest
// tier boundary.
func scoreToResult(score int, reasons []string) ComplexityScore {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	var level Complexity
	switch {
	case score >= 75:
		level = ComplexityExpert
	case score >= 50:
		level = ComplexityHard
	case score >= 25:
		level = ComplexityModerate
	case score >= 10:
		level = ComplexitySimple
	default:
		level = ComplexityTrivial
	}

	nearest := 100
	for _, b := range complexityBoundaries {
		d := score - b
		if d < 0 {
			d = -d
		}
		if d < nearest {
			nearest = d
		}
	}
	if nearest > 20 {
		nearest = 20
	}

	return ComplexityScore{
		Level:      level,
		Score:      float64(score) / 100.0,
		Confidence: 0.55 + 0.02*float64(nearest),
		Reasons:    reasons,
	}
}
