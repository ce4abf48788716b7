package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- classifier tests ---

func TestClassifier_FactLookupIsTrivial(t *testing.T) {
	c := NewClassifier()

	// "what is" prefix: -15, clamped to 0.
	score := c.ClassifyText("What is the capital of France?")
	assert.Equal(t, ComplexityTrivial, score.Level)
	assert.Equal(t, 0.0, score.Score)
	assert.Contains(t, score.Reasons, "simple question/greeting pattern")
}

func TestClassifier_DesignPromptIsHard(t *testing.T) {
	c := NewClassifier()

	// design(12) + systems(12) + stem(12) + cross-domain(8) +
	// directive-in-domain(20) = 64.
	score := c.ClassifyText("Design a Byzantine consensus protocol with proofs")
	assert.Equal(t, ComplexityHard, score.Level)
	assert.InDelta(t, 0.64, score.Score, 1e-9)
}

func TestClassifier_ExplainInDetailIsModerate(t *testing.T) {
	c := NewClassifier()

	// explain(6) + stem(12) + depth(8) = 26.
	score := c.ClassifyText("Explain quantum entanglement in detail")
	assert.Equal(t, ComplexityModerate, score.Level)
	assert.InDelta(t, 0.26, score.Score, 1e-9)
}

func TestClassifier_EmptyPromptIsTrivial(t *testing.T) {
	c := NewClassifier()

	score := c.ClassifyText("   ")
	assert.Equal(t, ComplexityTrivial, score.Level)
	assert.Equal(t, 1.0, score.Confidence)
}

func TestClassifier_HardVerbFloorsAtModerate(t *testing.T) {
	c := NewClassifier()

	// implement(12) alone lands in the simple band; the directive floor
	// lifts it to moderate.
	score := c.ClassifyText("Please implement it")
	assert.Equal(t, ComplexityModerate, score.Level)
	assert.Contains(t, score.Reasons, "floored at moderate: directive task")
}

func TestClassifier_LongPromptScoresHigher(t *testing.T) {
	c := NewClassifier()

	short := c.ClassifyText("Summarize this paragraph for me please")
	long := c.ClassifyText("Summarize this " + strings.Repeat("word ", 150))
	assert.Greater(t, long.Score, short.Score)
}

func TestClassifier_MathNotationCounts(t *testing.T) {
	c := NewClassifier()

	plain := c.ClassifyText("Evaluate the sum of the series")
	math := c.ClassifyText("Evaluate the sum ∑ of the series")
	assert.Greater(t, math.Score, plain.Score)

	latex := c.ClassifyText("Evaluate \\frac{1}{2} of the series")
	assert.Equal(t, math.Score, latex.Score)
}

func TestClassifier_CrossDomainBonus(t *testing.T) {
	c := NewClassifier()

	one := c.ClassifyText("Notes on the quantum theorem")       // stem only
	two := c.ClassifyText("Notes on quantum consensus systems") // stem + systems
	assert.InDelta(t, 0.12, one.Score, 1e-9)                    // 12
	assert.InDelta(t, 0.32, two.Score, 1e-9)                    // 12+12+8
}

func TestClassifier_PunctuationDoesNotHideTerms(t *testing.T) {
	c := NewClassifier()

	score := c.ClassifyText("A puzzle about proofs.")
	assert.InDelta(t, 0.12, score.Score, 1e-9) // stem hit despite the period
}

func TestClassifier_ScoreClampedToUnit(t *testing.T) {
	c := NewClassifier()

	// Pile on every factor; the score must stay within [0,1].
	prompt := "Design and prove a rigorous, comprehensive Byzantine consensus " +
		"protocol step by step, covering every edge case and trade-off, with " +
		"formal proofs, eigenvalue analysis, pharmacology asides, and tort " +
		"liability implications.\n\n```go\ncode\n```\n\n∑ more\n\n" +
		strings.Repeat("detail ", 500)
	score := c.ClassifyText(prompt)
	assert.Equal(t, ComplexityExpert, score.Level)
	assert.LessOrEqual(t, score.Score, 1.0)
}

func TestClassifier_IgnoresSystemAndToolTurns(t *testing.T) {
	c := NewClassifier()

	// The loaded system prompt must not leak into the user's trivial ask.
	messages := []ChatMessage{
		{Role: RoleSystem, Content: "Design byzantine consensus proofs with rigorous theorem derivations"},
		{Role: RoleTool, Content: "tool output: quantum eigenvalue tensor", ToolCallID: "t1"},
		{Role: RoleUser, Content: "What is the capital of France?"},
	}
	score := c.Classify(messages)
	assert.Equal(t, ComplexityTrivial, score.Level)
}

func TestClassifier_JoinsUserAndAssistantTurns(t *testing.T) {
	c := NewClassifier()

	messages := []ChatMessage{
		{Role: RoleUser, Content: "Tell me about consensus"},
		{Role: RoleAssistant, Content: "Consensus protocols coordinate replicas."},
		{Role: RoleUser, Content: "Now design a byzantine variant with proofs"},
	}
	score := c.Classify(messages)
	assert.GreaterOrEqual(t, score.Level, ComplexityHard)
}

func TestComplexity_String(t *testing.T) {
	assert.Equal(t, "trivial", ComplexityTrivial.String())
	assert.Equal(t, "simple", ComplexitySimple.String())
	assert.Equal(t, "moderate", ComplexityModerate.String())
	assert.Equal(t, "hard", ComplexityHard.String())
	assert.Equal(t, "expert", ComplexityExpert.String())
	assert.Equal(t, "unknown", Complexity(99).String())
}

func TestClassifier_ConfidenceGrowsAwayFromBoundaries(t *testing.T) {
	c := NewClassifier()

	// 0 sits ten points from the nearest boundary (10); 26 sits one point
	// from 25.
	far := c.ClassifyText("What is the capital of France?")
	near := c.ClassifyText("Explain quantum entanglement in detail")
	assert.Greater(t, far.Confidence, near.Confidence)
}
