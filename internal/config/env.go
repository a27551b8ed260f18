package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads key=value pairs from path into the process environment.
// Variables already set in the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with environment settings. Relative paths from the
// environment are resolved against the working directory.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := nonEmpty(lookup, "EMBEDDING_MODEL"); ok {
		cfg.Embedding.Model = v
	}
	if v, ok := nonEmpty(lookup, "EMBEDDING_PROVIDER"); ok {
		cfg.Embedding.Provider = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, "OLLAMA_HOST"); ok {
		cfg.Embedding.OllamaHost = v
	}
	if v, ok := nonEmpty(lookup, "FAISS_INDEX_PATH"); ok {
		cfg.Storage.DefaultCollection = absPath(collectionFolder(v))
		if _, set := nonEmpty(lookup, "INDEX_ROOT"); !set {
			cfg.Storage.IndexRoot = absPath(parentDir(v))
		}
	}
	if v, ok := nonEmpty(lookup, "INDEX_ROOT"); ok {
		cfg.Storage.IndexRoot = absPath(v)
	}
	if v, ok := nonEmpty(lookup, "UPLOAD_DIR"); ok {
		cfg.Storage.UploadDir = absPath(v)
	}
	if v, ok := nonEmpty(lookup, "CATALOG_PATH"); ok {
		cfg.Storage.CatalogPath = absPath(v)
	}
	if v, ok := nonEmpty(lookup, "VECTOR_INDEX_TYPE"); ok {
		cfg.Vector.IndexType = v
	}
	if v, ok := nonEmpty(lookup, "TOP_K"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TOP_K %q: %w", v, err)
		}
		cfg.Retrieval.TopK = n
	}
	if v, ok := nonEmpty(lookup, "KENSAKU_DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KENSAKU_DEBUG %q: %w", v, err)
		}
		cfg.Debug = b
	}
	return nil
}

// LoadWithEnv builds the effective configuration: .env file, then the YAML file at
// path (defaults only when path is empty), then environment overrides, then validation.
func LoadWithEnv(path, dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if err := LoadDotEnv(dotEnvPath); err != nil {
			return nil, err
		}
	}
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
