package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// OllamaConfig configures the HTTP embedder.
type OllamaConfig struct {
	Host        string
	Model       string
	BatchSize   int // texts per request
	Concurrency int // requests in flight
	Timeout     time.Duration
}

// OllamaEmbedder calls an Ollama server's /api/embed endpoint. The dimension is
// learned from the first response and enforced on every later one.
type OllamaEmbedder struct {
	cfg    OllamaConfig
	client *http.Client

	mu   sync.RWMutex
	dims int
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder returns an embedder for cfg. No request is made until first use.
func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" || cfg.Model == "" {
		return nil, &ModelLoadError{Model: cfg.Model, Err: fmt.Errorf("ollama host and model are required")}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	return &OllamaEmbedder{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Embed embeds a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into sub-batches, sends up to Concurrency of them at
// once and writes each result back at its original offset.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, &EncodeError{Index: i, Err: errEmptyText}
		}
	}
	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.post(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &ModelLoadError{Model: e.cfg.Model, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ModelLoadError{Model: e.cfg.Model, Err: fmt.Errorf("status 404: %s", bytes.TrimSpace(msg))}
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &EncodeError{Index: -1, Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EncodeError{Index: -1, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Embeddings) != len(texts) {
		return nil, &EncodeError{Index: -1, Err: fmt.Errorf("got %d embeddings for %d texts", len(out.Embeddings), len(texts))}
	}
	for i, vec := range out.Embeddings {
		if err := e.checkDims(len(vec)); err != nil {
			return nil, &EncodeError{Index: -1, Err: err}
		}
		utils.NormalizeL2(out.Embeddings[i])
	}
	return out.Embeddings, nil
}

func (e *OllamaEmbedder) checkDims(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n == 0 {
		return fmt.Errorf("empty embedding")
	}
	if e.dims == 0 {
		e.dims = n
		return nil
	}
	if n != e.dims {
		return fmt.Errorf("embedding dimension changed from %d to %d", e.dims, n)
	}
	return nil
}

// Dimensions returns the detected dimension, or 0 before the first response.
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the Ollama model name.
func (e *OllamaEmbedder) ModelName() string {
	return e.cfg.Model
}

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
