package router

import (
	"context"
	"sync"

	"github.com/jefflaplante/cascade/internal/mathutil"
)

// Embedder converts text to vectors for semantic validation. Callers
// inject an implementation; the engine never ships one of its own.
type Embedder interface {
	// Embed converts texts to vectors (batched for efficiency).
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimensionality.
	Dimensions() int

	// Name identifies the embedder.
	Name() string
}

// embedCacheLimit bounds memoised embeddings. The cache is reset, not
// evicted, past the limit: simple, and validation never depends on it.
const embedCacheLimit = 4096

// embedCache memoises embeddings keyed by exact text. Safe for
// concurrent use.
type embedCache struct {
	mu      sync.Mutex
	entries map[string][]float32
}

func newEmbedCache() *embedCache {
	return &embedCache{entries: make(map[string][]float32)}
}

func (c *embedCache) get(text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[text]
	return v, ok
}

func (c *embedCache) put(text string, vec []float32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= embedCacheLimit {
		c.entries = make(map[string][]float32)
	}
	c.entries[text] = vec
}

// semanticSimilarity embeds the prompt and the response and returns
// their cosine similarity clamped to [0,1]. The cache may serve either
// vector; misses are embedded in one batched call.
func semanticSimilarity(ctx context.Context, emb Embedder, cache *embedCache, prompt, response string) (float64, error) {
	texts := []string{prompt, response}
	vecs := make([][]float32, 2)
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := cache.get(t); ok {
			vecs[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) > 0 {
		fresh, err := emb.Embed(ctx, missing)
		if err != nil {
			return 0, err
		}
		if len(fresh) != len(missing) {
			return 0, errEmbedderShape
		}
		for j, v := range fresh {
			vecs[missingIdx[j]] = v
			cache.put(missing[j], v)
		}
	}
	return mathutil.ClampUnit(float64(mathutil.CosineSimilarity(vecs[0], vecs[1]))), nil
}
