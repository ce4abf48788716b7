package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate_Empty(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 0, Estimate("   \n\t  "))
}

func TestEstimate_SingleWord(t *testing.T) {
	assert.Equal(t, 1, Estimate("hello"))
}

func TestEstimate_WordRatio(t *testing.T) {
	// 13 words at ~1.3 words per token is 10 tokens.
	text := "one two three four five six seven eight nine ten eleven twelve thirteen"
	assert.Equal(t, 10, Estimate(text))
}

func TestNewCounter_KnownModel(t *testing.T) {
	c, err := NewCounter("gpt-4")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	assert.Equal(t, "gpt-4", c.Model())

	n := c.Count("The quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 0)
}

func TestNewCounter_UnknownModelFallsBack(t *testing.T) {
	c, err := NewCounter("totally-made-up-model-xyz")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}

	n := c.Count("hello world")
	assert.Greater(t, n, 0)
}

func TestNewCounter_CachesEncoding(t *testing.T) {
	c1, err := NewCounter("gpt-4")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	c2, err := NewCounter("gpt-4")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}

	text := "same text, same encoding, same count"
	assert.Equal(t, c1.Count(text), c2.Count(text))
}

func TestCount_NilCounterEstimates(t *testing.T) {
	var c *Counter
	assert.Equal(t, Estimate("two words"), c.Count("two words"))
}
