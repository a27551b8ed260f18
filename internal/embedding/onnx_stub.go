//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXConfig describes a sentence-transformer model exported to ONNX.
type ONNXConfig struct {
	Model      string
	ModelPath  string
	Dimensions int
	MaxTokens  int
}

// ONNXEmbedder stub type when built without CGO (see onnx.go for real implementation).
type ONNXEmbedder struct{}

var errNoCGO = errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// NewONNXEmbedder always fails with *ModelLoadError when built without CGO.
func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	return nil, &ModelLoadError{Model: cfg.Model, Err: errNoCGO}
}

// Embed is unreachable without CGO.
func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, &ModelLoadError{Err: errNoCGO}
}

// EmbedBatch is unreachable without CGO.
func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, &ModelLoadError{Err: errNoCGO}
}

// Dimensions returns 0 without CGO.
func (e *ONNXEmbedder) Dimensions() int { return 0 }

// ModelName returns an empty name without CGO.
func (e *ONNXEmbedder) ModelName() string { return "" }

// Close is a no-op without CGO.
func (e *ONNXEmbedder) Close() error { return nil }
