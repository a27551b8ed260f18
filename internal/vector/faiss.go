//go:build faiss && cgo
// +build faiss,cgo

package vector

/*
#cgo CFLAGS: -I/opt/homebrew/include -I/usr/local/include
#cgo LDFLAGS: -L/opt/homebrew/lib -L/usr/local/lib -lfaiss_c

#include <stdlib.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"unsafe"
)

// tieSlack is how many extra neighbors are requested from FAISS beyond k. The
// request grows until the k-th distance no longer ties with the last neighbor
// returned, so equal distances at the boundary are always ordered by ordinal.
const tieSlack = 16

// FAISSIndex wraps a FAISS IndexFlatL2. FAISS ids are the ordinals. It persists
// in the same file format as MemoryIndex, so the two are interchangeable on disk.
type FAISSIndex struct {
	index      *C.FaissIndex
	dimensions int
	initial    int // dimension given to NewFAISSIndex
	mu         sync.RWMutex
}

// NewFAISSIndex creates a FAISS flat L2 index. A dimension of 0 defers creation to the first Add.
func NewFAISSIndex(dimensions int) (*FAISSIndex, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	f := &FAISSIndex{initial: dimensions}
	if dimensions > 0 {
		if err := f.init(dimensions); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *FAISSIndex) init(dimensions int) error {
	var idx *C.FaissIndexFlatL2
	if ret := C.faiss_IndexFlatL2_new_with(&idx, C.idx_t(dimensions)); ret != 0 {
		return fmt.Errorf("failed to create FAISS index: %s", faissLastError())
	}
	f.index = (*C.FaissIndex)(idx)
	f.dimensions = dimensions
	return nil
}

// faissLastError returns the last FAISS error message.
func faissLastError() string {
	cErr := C.faiss_get_last_error()
	if cErr == nil {
		return "unknown error"
	}
	return C.GoString(cErr)
}

func (f *FAISSIndex) ntotal() int {
	if f.index == nil {
		return 0
	}
	return int(C.faiss_Index_ntotal(f.index))
}

func (f *FAISSIndex) addFlat(n int, flat []float32) error {
	if n == 0 {
		return nil
	}
	if ret := C.faiss_Index_add(f.index, C.idx_t(n), (*C.float)(unsafe.Pointer(&flat[0]))); ret != 0 {
		return fmt.Errorf("failed to add vectors to FAISS index: %s", faissLastError())
	}
	return nil
}

func (f *FAISSIndex) reconstruct(n int) ([]float32, error) {
	flat := make([]float32, n*f.dimensions)
	if n == 0 {
		return flat, nil
	}
	if ret := C.faiss_Index_reconstruct_n(f.index, 0, C.idx_t(n), (*C.float)(unsafe.Pointer(&flat[0]))); ret != 0 {
		return nil, fmt.Errorf("failed to read vectors from FAISS index: %s", faissLastError())
	}
	return flat, nil
}

// Add appends the batch. If any vector has the wrong dimension nothing is appended.
func (f *FAISSIndex) Add(ctx context.Context, vectors [][]float32) (OrdinalRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.ntotal()
	if len(vectors) == 0 {
		return OrdinalRange{Start: start, End: start}, nil
	}
	dim, err := checkBatch(f.dimensions, vectors)
	if err != nil {
		return OrdinalRange{}, err
	}
	if f.index == nil {
		if err := f.init(dim); err != nil {
			return OrdinalRange{}, err
		}
	}
	flat := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		flat = append(flat, v...)
	}
	if err := f.addFlat(len(vectors), flat); err != nil {
		return OrdinalRange{}, err
	}
	return OrdinalRange{Start: start, End: start + len(vectors)}, nil
}

// Search returns up to k hits by ascending squared Euclidean distance.
func (f *FAISSIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ntotal := f.ntotal()
	if k <= 0 || ntotal == 0 {
		return []Hit{}, nil
	}
	if len(query) != f.dimensions {
		return nil, &DimensionMismatchError{Expected: f.dimensions, Got: len(query)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := min(k, ntotal)
	fetch := min(want+tieSlack, ntotal)
	for {
		hits, err := f.search(query, fetch)
		if err != nil {
			return nil, err
		}
		if fetch == ntotal || len(hits) <= want || hits[len(hits)-1].Distance > hits[want-1].Distance {
			slices.SortFunc(hits, compareHits)
			return hits[:min(want, len(hits))], nil
		}
		fetch = min(fetch*2, ntotal)
	}
}

// search asks FAISS for the n nearest neighbors of query. Callers hold f.mu.
func (f *FAISSIndex) search(query []float32, n int) ([]Hit, error) {
	distances := make([]float32, n)
	labels := make([]int64, n)
	ret := C.faiss_Index_search(
		f.index,
		1,
		(*C.float)(unsafe.Pointer(&query[0])),
		C.idx_t(n),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0])),
	)
	if ret != 0 {
		return nil, fmt.Errorf("FAISS search failed: %s", faissLastError())
	}
	hits := make([]Hit, 0, n)
	for i, label := range labels {
		if label < 0 {
			continue
		}
		hits = append(hits, Hit{Ordinal: int(label), Distance: distances[i]})
	}
	return hits, nil
}

// Truncate drops every ordinal >= n by rebuilding the flat index from its
// prefix. Truncating to 0 also releases the dimension fixed by earlier adds.
func (f *FAISSIndex) Truncate(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ntotal := f.ntotal()
	if n < 0 || n > ntotal {
		return fmt.Errorf("truncate to %d: index holds %d vectors", n, ntotal)
	}
	if n == 0 && f.initial != f.dimensions {
		if f.index != nil {
			C.faiss_Index_free(f.index)
			f.index = nil
		}
		f.dimensions = 0
		if f.initial > 0 {
			return f.init(f.initial)
		}
		return nil
	}
	if n == ntotal {
		return nil
	}
	keep, err := f.reconstruct(n)
	if err != nil {
		return err
	}
	C.faiss_Index_reset(f.index)
	return f.addFlat(n, keep)
}

// Save writes the index to path atomically.
func (f *FAISSIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := f.ntotal()
	flat, err := f.reconstruct(n)
	if err != nil {
		return err
	}
	return writeIndexFile(path, f.dimensions, n, flat)
}

// Load replaces the contents with the index at path. On error the index is unchanged.
func (f *FAISSIndex) Load(path string) error {
	dim, count, data, err := readIndexFile(path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	old, oldDim := f.index, f.dimensions
	f.index = nil
	if dim > 0 {
		if err := f.init(dim); err != nil {
			f.index, f.dimensions = old, oldDim
			return err
		}
		if err := f.addFlat(count, data); err != nil {
			C.faiss_Index_free(f.index)
			f.index, f.dimensions = old, oldDim
			return err
		}
	} else {
		f.dimensions = 0
	}
	if old != nil {
		C.faiss_Index_free(old)
	}
	return nil
}

// Count returns the number of vectors in the index.
func (f *FAISSIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ntotal()
}

// Dimensions returns the fixed dimension, or 0 before the first Add.
func (f *FAISSIndex) Dimensions() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dimensions
}

// Close frees the FAISS index resources.
func (f *FAISSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.index)
		f.index = nil
	}
	return nil
}

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string {
	return string(IndexTypeFAISS)
}
