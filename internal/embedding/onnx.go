//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// ONNXConfig describes a sentence-transformer model exported to ONNX.
type ONNXConfig struct {
	Model      string // identifier reported by ModelName
	ModelPath  string
	Dimensions int
	MaxTokens  int
}

// ONNXEmbedder uses ONNX Runtime to produce embeddings. It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	model      string
	session    *ort.AdvancedSession
	dimensions int
	maxTokens  int
	tokenizer  Tokenizer
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	mu                  sync.Mutex
}

// NewONNXEmbedder loads the model. Every failure is reported as *ModelLoadError.
func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	fail := func(err error) (*ONNXEmbedder, error) {
		return nil, &ModelLoadError{Model: cfg.Model, Err: err}
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fail(err)
	}
	if cfg.Dimensions <= 0 {
		return fail(fmt.Errorf("dimensions must be positive"))
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fail(fmt.Errorf("initialize ONNX runtime: %w", err))
		}
	}

	tokenizer := &SimpleTokenizer{}
	inputIDs, attentionMask, tokenTypeIDs := tokenizer.Tokenize("", cfg.MaxTokens)
	shape := ort.NewShape(1, int64(len(inputIDs)))

	e := &ONNXEmbedder{
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxTokens:  len(inputIDs),
		tokenizer:  tokenizer,
	}
	var err error
	if e.inputIDsTensor, err = ort.NewTensor(shape, inputIDs); err != nil {
		return fail(fmt.Errorf("input_ids tensor: %w", err))
	}
	if e.attentionMaskTensor, err = ort.NewTensor(shape, attentionMask); err != nil {
		_ = e.Close()
		return fail(fmt.Errorf("attention_mask tensor: %w", err))
	}
	if e.tokenTypeIDsTensor, err = ort.NewTensor(shape, tokenTypeIDs); err != nil {
		_ = e.Close()
		return fail(fmt.Errorf("token_type_ids tensor: %w", err))
	}
	if e.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimensions))); err != nil {
		_ = e.Close()
		return fail(fmt.Errorf("output tensor: %w", err))
	}

	e.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"output"},
		[]ort.ArbitraryTensor{e.inputIDsTensor, e.attentionMaskTensor, e.tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{e.outputTensor},
		nil,
	)
	if err != nil {
		_ = e.Close()
		return fail(fmt.Errorf("create session: %w", err))
	}
	return e, nil
}

// Embed runs one inference. Empty text is an *EncodeError.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &EncodeError{Index: -1, Err: errEmptyText}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inputIDs, attentionMask, tokenTypeIDs := e.tokenizer.Tokenize(text, e.maxTokens)
	copy(e.inputIDsTensor.GetData(), inputIDs)
	copy(e.attentionMaskTensor.GetData(), attentionMask)
	copy(e.tokenTypeIDsTensor.GetData(), tokenTypeIDs)

	if err := e.session.Run(); err != nil {
		return nil, &EncodeError{Index: -1, Err: fmt.Errorf("inference: %w", err)}
	}

	embedding := make([]float32, e.dimensions)
	copy(embedding, e.outputTensor.GetData())
	utils.NormalizeL2(embedding)
	return embedding, nil
}

// EmbedBatch calls Embed for each text; the session holds a single-row input.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// ModelName returns the configured model identifier.
func (e *ONNXEmbedder) ModelName() string {
	return e.model
}

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputIDsTensor != nil {
		_ = e.inputIDsTensor.Destroy()
		e.inputIDsTensor = nil
	}
	if e.attentionMaskTensor != nil {
		_ = e.attentionMaskTensor.Destroy()
		e.attentionMaskTensor = nil
	}
	if e.tokenTypeIDsTensor != nil {
		_ = e.tokenTypeIDsTensor.Destroy()
		e.tokenTypeIDsTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
