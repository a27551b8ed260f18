package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// HashEmbedder is a deterministic local embedder. Each lower-cased word is hashed
// into a signed bucket of the output vector (feature hashing) and the sum is
// L2 normalized, so texts sharing words land close together. It needs no model
// files and is meant for development and tests.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder returns a hash embedder producing vectors of the given dimension.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns the hashed bag-of-words vector for text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, &EncodeError{Index: -1, Err: errEmptyText}
	}
	emb := make([]float32, e.dimensions)
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dimensions))
		if sum&(1<<63) != 0 {
			emb[bucket] -= 1
		} else {
			emb[bucket] += 1
		}
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, withIndex(err, i)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// ModelName identifies the hash scheme and width.
func (e *HashEmbedder) ModelName() string {
	return "hash-fnv64"
}

// Close is a no-op for HashEmbedder.
func (e *HashEmbedder) Close() error {
	return nil
}
