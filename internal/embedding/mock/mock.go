// Package mock provides a deterministic embedder for tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// Embedder generates deterministic embeddings from a text hash, so the
// same text always maps to the same unit vector. Tests that need exact
// similarity control can pin a vector for a specific text with Pin.
type Embedder struct {
	dimensions int

	mu     sync.Mutex
	pinned map[string][]float32
}

// New creates a mock embedder producing vectors of the given length.
func New(dimensions int) *Embedder {
	return &Embedder{
		dimensions: dimensions,
		pinned:     make(map[string][]float32),
	}
}

// Pin fixes the vector returned for an exact text. The vector is
// normalized to unit length before being stored.
func (m *Embedder) Pin(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[text] = normalize(vec)
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	if vec, ok := m.pinned[text]; ok {
		m.mu.Unlock()
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
	m.mu.Unlock()

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := 0; i < m.dimensions; i++ {
		// Simple LCG (Linear Congruential Generator)
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(embedding), nil
}

// EmbedBatch embeds each text independently.
func (m *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
