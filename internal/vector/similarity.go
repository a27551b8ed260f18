package vector

import "cmp"

// SquaredEuclidean returns the squared L2 distance between a and b.
// Both slices must have the same length; callers check dimensions first.
func SquaredEuclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// compareHits orders by ascending distance, then ascending ordinal.
func compareHits(a, b Hit) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	return cmp.Compare(a.Ordinal, b.Ordinal)
}
