// Package embedding turns text into fixed-dimension vectors. Exactly one provider
// is active per process; see NewFromConfig.
package embedding

import "context"

// Embedder produces vector embeddings for text.
// EmbedBatch returns one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is 0 until known for providers that learn it from the first response.
	Dimensions() int
	ModelName() string
	Close() error
}
