package embedding

import (
	"fmt"
	"time"

	"github.com/hyperjump/kensaku/internal/config"
)

// NewFromConfig builds the single configured provider and wraps it with the
// embedding cache. There is no fallback: a provider that cannot load is an error.
func NewFromConfig(cfg config.EmbeddingConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case config.ProviderONNX, "":
		e, err := NewONNXEmbedder(ONNXConfig{
			Model:      cfg.Model,
			ModelPath:  cfg.ModelPath(),
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	case config.ProviderOllama:
		e, err := NewOllamaEmbedder(OllamaConfig{
			Host:        cfg.OllamaHost,
			Model:       cfg.Model,
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.Concurrency,
			Timeout:     2 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	case config.ProviderHash:
		inner = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, &ModelLoadError{Model: cfg.Model, Err: fmt.Errorf("unknown provider %q", cfg.Provider)}
	}
	if cfg.CacheSize < 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
