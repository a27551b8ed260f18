// Package vector provides append-only exact nearest-neighbor indexes keyed by ordinal.
package vector

import "context"

// VectorIndex stores fixed-dimension vectors under dense ordinals 0..Count()-1.
// The first successful Add fixes the dimension. Distances are squared Euclidean;
// Search orders hits by ascending distance, ties broken by the lower ordinal.
type VectorIndex interface {
	Add(ctx context.Context, vectors [][]float32) (OrdinalRange, error)
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	// Truncate drops every ordinal >= n. It only exists to roll back a batch
	// whose persistence failed; ordinals of committed data are never reused.
	Truncate(n int) error
	Save(path string) error
	Load(path string) error
	Count() int
	Dimensions() int
	Type() string
	Close() error
}

// OrdinalRange is the half-open range [Start, End) assigned to an added batch.
type OrdinalRange struct {
	Start int
	End   int
}

// Len returns the number of ordinals in the range.
func (r OrdinalRange) Len() int {
	return r.End - r.Start
}

// Hit is a single search result.
type Hit struct {
	Ordinal  int
	Distance float32
}
