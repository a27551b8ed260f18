package vector

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryIndex is an exact brute-force index holding all vectors in one flat slice.
type MemoryIndex struct {
	dimensions int
	initial    int // dimension given to NewMemoryIndex
	count      int
	data       []float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory index. A dimension of 0 is fixed by the first Add.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	return &MemoryIndex{dimensions: dimensions, initial: dimensions}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Add appends the batch. If any vector has the wrong dimension nothing is appended.
func (m *MemoryIndex) Add(ctx context.Context, vectors [][]float32) (OrdinalRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.count
	if len(vectors) == 0 {
		return OrdinalRange{Start: start, End: start}, nil
	}
	dim, err := checkBatch(m.dimensions, vectors)
	if err != nil {
		return OrdinalRange{}, err
	}
	m.dimensions = dim
	m.data = slices.Grow(m.data, len(vectors)*dim)
	for _, v := range vectors {
		m.data = append(m.data, v...)
	}
	m.count += len(vectors)
	return OrdinalRange{Start: start, End: m.count}, nil
}

// Search returns up to k hits by ascending squared Euclidean distance.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || m.count == 0 {
		return []Hit{}, nil
	}
	if len(query) != m.dimensions {
		return nil, &DimensionMismatchError{Expected: m.dimensions, Got: len(query)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hits := make([]Hit, m.count)
	for i := range hits {
		vec := m.data[i*m.dimensions : (i+1)*m.dimensions]
		hits[i] = Hit{Ordinal: i, Distance: SquaredEuclidean(query, vec)}
	}
	slices.SortFunc(hits, compareHits)
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Vector returns a copy of the vector stored at ordinal.
func (m *MemoryIndex) Vector(ordinal int) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ordinal < 0 || ordinal >= m.count {
		return nil, false
	}
	return slices.Clone(m.data[ordinal*m.dimensions : (ordinal+1)*m.dimensions]), true
}

// Truncate drops every ordinal >= n. Truncating to 0 also releases the
// dimension fixed by earlier adds.
func (m *MemoryIndex) Truncate(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n > m.count {
		return fmt.Errorf("truncate to %d: index holds %d vectors", n, m.count)
	}
	m.count = n
	m.data = m.data[:n*m.dimensions]
	if n == 0 {
		m.dimensions = m.initial
	}
	return nil
}

// Save writes the index to path atomically.
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return writeIndexFile(path, m.dimensions, m.count, m.data)
}

// Load replaces the contents with the index at path, including its dimension.
// On error the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	dim, count, data, err := readIndexFile(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dimensions = dim
	m.count = count
	m.data = data
	return nil
}

// Count returns the number of vectors in the index.
func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Dimensions returns the fixed dimension, or 0 before the first Add.
func (m *MemoryIndex) Dimensions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dimensions
}

// Close releases the vectors.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.count = 0
	return nil
}
