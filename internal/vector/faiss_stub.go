//go:build !faiss || !cgo
// +build !faiss !cgo

package vector

import (
	"context"
	"errors"
)

// FAISSIndex is a stub that returns an error when FAISS is not available.
// Build with -tags=faiss to enable FAISS support.
type FAISSIndex struct{}

var errNoFAISS = errors.New("FAISS not available: build with -tags=faiss and install FAISS library")

// NewFAISSIndex returns an error because FAISS is not available.
func NewFAISSIndex(dimensions int) (*FAISSIndex, error) {
	return nil, errNoFAISS
}

// Add is not implemented without FAISS.
func (f *FAISSIndex) Add(context.Context, [][]float32) (OrdinalRange, error) {
	return OrdinalRange{}, errNoFAISS
}

// Search is not implemented without FAISS.
func (f *FAISSIndex) Search(context.Context, []float32, int) ([]Hit, error) {
	return nil, errNoFAISS
}

// Truncate is not implemented without FAISS.
func (f *FAISSIndex) Truncate(int) error { return errNoFAISS }

// Save is not implemented without FAISS.
func (f *FAISSIndex) Save(string) error { return errNoFAISS }

// Load is not implemented without FAISS.
func (f *FAISSIndex) Load(string) error { return errNoFAISS }

// Count returns 0 without FAISS.
func (f *FAISSIndex) Count() int { return 0 }

// Dimensions returns 0 without FAISS.
func (f *FAISSIndex) Dimensions() int { return 0 }

// Close is a no-op without FAISS.
func (f *FAISSIndex) Close() error { return nil }

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string {
	return string(IndexTypeFAISS)
}
