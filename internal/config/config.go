// Package config provides configuration loading and structs for the kensaku server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the on-disk layout. Every ingest creates a collection folder
// under IndexRoot; DefaultCollection is the folder retrieval falls back to.
type StorageConfig struct {
	IndexRoot         string `yaml:"index_root"`
	DefaultCollection string `yaml:"default_collection"`
	UploadDir         string `yaml:"upload_dir"`
	CatalogPath       string `yaml:"catalog_path"`
}

// EmbeddingConfig selects and tunes the single embedding provider.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // onnx, ollama or hash
	Model       string `yaml:"model"`
	ModelsDir   string `yaml:"models_dir"`
	Dimensions  int    `yaml:"dimensions"`
	MaxTokens   int    `yaml:"max_tokens"`
	CacheSize   int    `yaml:"cache_size"`
	OllamaHost  string `yaml:"ollama_host"`
	BatchSize   int    `yaml:"batch_size"`
	Concurrency int    `yaml:"concurrency"`
}

// VectorConfig selects the vector index implementation.
type VectorConfig struct {
	IndexType string `yaml:"index_type"` // memory or faiss
}

// IngestConfig holds chunking, naming and crawl settings.
type IngestConfig struct {
	ChunkSize           int    `yaml:"chunk_size"`
	ChunkOverlap        int    `yaml:"chunk_overlap"`
	OnCollision         string `yaml:"on_collision"` // suffix, fail or overwrite
	CrawlMaxPages       int    `yaml:"crawl_max_pages"`
	CrawlTimeoutSeconds int    `yaml:"crawl_timeout_seconds"`
}

// RetrievalConfig holds query defaults.
type RetrievalConfig struct {
	TopK      int `yaml:"top_k"`
	CacheSize int `yaml:"cache_size"` // loaded collections kept in memory
}

// WatchConfig holds upload directory watch settings.
type WatchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Extensions []string `yaml:"extensions"`
}

// Load reads and parses the config file at path, applies defaults, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.IndexRoot = expandPath(cfg.Storage.IndexRoot, configDir)
	cfg.Storage.DefaultCollection = expandPath(cfg.Storage.DefaultCollection, configDir)
	cfg.Storage.UploadDir = expandPath(cfg.Storage.UploadDir, configDir)
	cfg.Storage.CatalogPath = expandPath(cfg.Storage.CatalogPath, configDir)
	cfg.Embedding.ModelsDir = expandPath(cfg.Embedding.ModelsDir, configDir)

	return &cfg, nil
}

// Default returns a config holding only defaults, with relative paths resolved
// against the working directory.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Storage.IndexRoot = absPath(cfg.Storage.IndexRoot)
	cfg.Storage.DefaultCollection = absPath(cfg.Storage.DefaultCollection)
	cfg.Storage.UploadDir = absPath(cfg.Storage.UploadDir)
	cfg.Storage.CatalogPath = absPath(cfg.Storage.CatalogPath)
	cfg.Embedding.ModelsDir = absPath(cfg.Embedding.ModelsDir)
	return cfg
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports settings that would make the core misbehave.
func (c *Config) Validate() error {
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be in [0, %d), got %d", c.Ingest.ChunkSize, c.Ingest.ChunkOverlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	switch c.Ingest.OnCollision {
	case CollisionSuffix, CollisionFail, CollisionOverwrite:
	default:
		return fmt.Errorf("unknown ingest.on_collision %q (supported: suffix, fail, overwrite)", c.Ingest.OnCollision)
	}
	switch c.Embedding.Provider {
	case ProviderONNX, ProviderOllama, ProviderHash:
	default:
		return fmt.Errorf("unknown embedding.provider %q (supported: onnx, ollama, hash)", c.Embedding.Provider)
	}
	return nil
}

// ModelPath returns the ONNX model file for the configured model.
func (e *EmbeddingConfig) ModelPath() string {
	if strings.HasSuffix(e.Model, ".onnx") {
		return filepath.Join(e.ModelsDir, e.Model)
	}
	return filepath.Join(e.ModelsDir, e.Model+".onnx")
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

func absPath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// collectionFolder reduces a path that names a file inside a collection
// (for example ./data/faiss_index/index.faiss) to the folder holding it.
func collectionFolder(p string) string {
	if filepath.Ext(p) != "" {
		return parentDir(p)
	}
	return p
}

// parentDir is filepath.Dir that keeps a leading "./" so the result is still
// resolved against the config directory by expandPath.
func parentDir(p string) string {
	dir := filepath.Dir(p)
	if strings.HasPrefix(p, "./") && !strings.HasPrefix(dir, ".") {
		return "./" + dir
	}
	return dir
}
