// Package embedding turns text into fixed-length vectors.
package embedding

import "context"

// Embedder converts text into a fixed-length vector. Embeddings are
// deterministic for the same text under the same model.
type Embedder interface {
	// Dimensions returns the vector length this embedder produces.
	Dimensions() int
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
