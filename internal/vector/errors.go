package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexNotFound is returned by Load when no index file exists at the path.
	ErrIndexNotFound = errors.New("vector index not found")
	// ErrIndexCorrupt is returned by Load when the file exists but cannot be decoded.
	ErrIndexCorrupt = errors.New("vector index corrupt")
	// ErrEmptyVector is returned when a zero-length vector is added or queried.
	ErrEmptyVector = errors.New("vector has no components")
)

// DimensionMismatchError reports a vector whose length differs from the index dimension.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Expected)
}

// checkBatch validates every vector against dim (0 = not yet fixed) before
// anything is appended, and returns the dimension the batch implies.
func checkBatch(dim int, vectors [][]float32) (int, error) {
	for _, v := range vectors {
		if len(v) == 0 {
			return 0, ErrEmptyVector
		}
		if dim == 0 {
			dim = len(v)
			continue
		}
		if len(v) != dim {
			return 0, &DimensionMismatchError{Expected: dim, Got: len(v)}
		}
	}
	return dim, nil
}
