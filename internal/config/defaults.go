package config

// Embedding providers.
const (
	ProviderONNX   = "onnx"
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
)

// Collision policies for derived collection folder names.
const (
	CollisionSuffix    = "suffix"
	CollisionFail      = "fail"
	CollisionOverwrite = "overwrite"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Storage.DefaultCollection == "" {
		cfg.Storage.DefaultCollection = "./data/faiss_index"
	}
	cfg.Storage.DefaultCollection = collectionFolder(cfg.Storage.DefaultCollection)
	if cfg.Storage.IndexRoot == "" {
		cfg.Storage.IndexRoot = parentDir(cfg.Storage.DefaultCollection)
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "./data/uploads"
	}
	if cfg.Storage.CatalogPath == "" {
		cfg.Storage.CatalogPath = "./data/catalog.db"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderONNX
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "all-MiniLM-L6-v2"
	}
	if cfg.Embedding.ModelsDir == "" {
		cfg.Embedding.ModelsDir = "./data/models"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.OllamaHost == "" {
		cfg.Embedding.OllamaHost = "http://localhost:11434"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.Concurrency == 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "memory"
	}
	// An explicit chunk_size with no overlap means no overlap.
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1000
		if cfg.Ingest.ChunkOverlap == 0 {
			cfg.Ingest.ChunkOverlap = 200
		}
	}
	if cfg.Ingest.OnCollision == "" {
		cfg.Ingest.OnCollision = CollisionSuffix
	}
	if cfg.Ingest.CrawlMaxPages == 0 {
		cfg.Ingest.CrawlMaxPages = 20
	}
	if cfg.Ingest.CrawlTimeoutSeconds == 0 {
		cfg.Ingest.CrawlTimeoutSeconds = 10
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 6
	}
	if cfg.Retrieval.CacheSize == 0 {
		cfg.Retrieval.CacheSize = 16
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".rst", ".pdf", ".docx", ".xlsx"}
	}
}
