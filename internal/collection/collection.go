// Package collection pairs a vector index with its metadata store in one folder
// and keeps them aligned: ordinal i in both always describes the same chunk.
package collection

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/metadata"
	"github.com/hyperjump/kensaku/internal/vector"
)

// File names inside a collection folder.
const (
	IndexFileName    = "index.ksvi"
	MetadataFileName = "metadata.json"
	LockFileName     = ".lock"
)

// Result is one search hit resolved to its chunk.
type Result struct {
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Distance float32 `json:"distance"`
	Ordinal  int     `json:"ordinal"`
}

// Collection is a vector index and metadata store persisted together.
// Searches run concurrently; adds are serialized and block searches only
// while the batch is committed and written.
type Collection struct {
	folder    string
	embedder  embedding.Embedder
	indexType string
	logger    *zap.Logger

	index vector.VectorIndex
	meta  *metadata.Store

	mu      sync.RWMutex // index and meta as a pair
	writeMu sync.Mutex   // one AddTexts at a time
	lock    *flock.Flock // other processes writing the same folder
}

// Option configures a Collection.
type Option func(*Collection)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collection) {
		c.logger = logger
	}
}

// WithIndexType selects the vector index implementation ("memory" or "faiss").
func WithIndexType(indexType string) Option {
	return func(c *Collection) {
		c.indexType = indexType
	}
}

func newCollection(folder string, emb embedding.Embedder, opts []Option) (*Collection, error) {
	if emb == nil {
		return nil, errors.New("collection requires an embedder")
	}
	c := &Collection{
		folder:   folder,
		embedder: emb,
		meta:     metadata.New(),
		lock:     flock.New(filepath.Join(folder, LockFileName)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	idx, err := vector.NewVectorIndex(c.indexType, 0)
	if err != nil {
		return nil, err
	}
	c.index = idx
	return c, nil
}

// New returns an empty collection for folder. Nothing is written until the first AddTexts.
func New(folder string, emb embedding.Embedder, opts ...Option) (*Collection, error) {
	return newCollection(folder, emb, opts)
}

// Open loads the collection persisted in folder. It returns ErrNotFound when the
// folder holds no collection and ErrIncomplete or ErrCorrupt when it holds a
// damaged one.
func Open(folder string, emb embedding.Embedder, opts ...Option) (*Collection, error) {
	c, err := newCollection(folder, emb, opts)
	if err != nil {
		return nil, err
	}
	idxPath, metaPath := c.IndexPath(), c.MetadataPath()
	hasIndex, hasMeta := fileExists(idxPath), fileExists(metaPath)
	switch {
	case !hasIndex && !hasMeta:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, folder)
	case !hasMeta:
		return nil, fmt.Errorf("%w: %s has an index but no metadata", ErrIncomplete, folder)
	case !hasIndex:
		return nil, fmt.Errorf("%w: %s has metadata but no index", ErrIncomplete, folder)
	}

	if err := c.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", folder, err)
	}
	defer func() { _ = c.lock.Unlock() }()

	if err := c.index.Load(idxPath); err != nil {
		if errors.Is(err, vector.ErrIndexNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrIncomplete, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := c.meta.Load(metaPath); err != nil {
		if errors.Is(err, metadata.ErrMetadataNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrIncomplete, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	n, m := c.index.Count(), c.meta.Len()
	switch {
	case m < n:
		return nil, fmt.Errorf("%w: %s has %d vectors but %d metadata records", ErrIncomplete, folder, n, m)
	case m > n:
		return nil, fmt.Errorf("%w: %s has %d metadata records but only %d vectors", ErrCorrupt, folder, m, n)
	}
	if d := emb.Dimensions(); d > 0 && n > 0 && d != c.index.Dimensions() {
		c.logger.Warn("embedder dimension differs from collection",
			zap.String("folder", folder),
			zap.Int("embedder_dimensions", d),
			zap.Int("dimensions", c.index.Dimensions()))
	}
	c.logger.Debug("collection loaded", zap.String("folder", folder), zap.Int("count", n))
	return c, nil
}

// AddTexts embeds texts and commits them with their sources as one batch. Either
// every chunk is added and persisted, or the collection is left as it was.
func (c *Collection) AddTexts(ctx context.Context, texts, sources []string) (vector.OrdinalRange, error) {
	if len(texts) != len(sources) {
		return vector.OrdinalRange{}, fmt.Errorf("%w: %d texts, %d sources", ErrLengthMismatch, len(texts), len(sources))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(texts) == 0 {
		n := c.Count()
		return vector.OrdinalRange{Start: n, End: n}, nil
	}

	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return vector.OrdinalRange{}, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return vector.OrdinalRange{}, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	records := make([]metadata.Record, len(texts))
	for i := range texts {
		records[i] = metadata.Record{Text: texts[i], Source: sources[i]}
	}

	if err := os.MkdirAll(c.folder, 0755); err != nil {
		return vector.OrdinalRange{}, fmt.Errorf("create collection folder: %w", err)
	}
	if err := c.lock.Lock(); err != nil {
		return vector.OrdinalRange{}, fmt.Errorf("lock %s: %w", c.folder, err)
	}
	defer func() { _ = c.lock.Unlock() }()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.index.Count()
	hadFiles := prev > 0 || fileExists(c.IndexPath())
	r, err := c.index.Add(ctx, vecs)
	if err != nil {
		return vector.OrdinalRange{}, err
	}
	c.meta.Append(records...)

	if err := c.persist(); err != nil {
		c.rollback(prev, hadFiles)
		return vector.OrdinalRange{}, err
	}
	c.logger.Debug("batch committed",
		zap.String("folder", c.folder),
		zap.Int("start", r.Start),
		zap.Int("count", r.Len()))
	return r, nil
}

// persist writes the index, then the metadata. Callers hold c.mu.
func (c *Collection) persist() error {
	if err := c.index.Save(c.IndexPath()); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	if err := c.meta.Save(c.MetadataPath()); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// rollback restores the in-memory pair to prev entries and tries to put the
// index file back in step with the metadata file still on disk.
func (c *Collection) rollback(prev int, hadFiles bool) {
	if err := c.index.Truncate(prev); err != nil {
		c.logger.Error("rollback index", zap.String("folder", c.folder), zap.Error(err))
	}
	if err := c.meta.Truncate(prev); err != nil {
		c.logger.Error("rollback metadata", zap.String("folder", c.folder), zap.Error(err))
	}
	var err error
	if hadFiles {
		err = c.index.Save(c.IndexPath())
	} else {
		err = os.Remove(c.IndexPath())
		if errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
	}
	if err != nil {
		c.logger.Error("restore index file after failed save; collection on disk is incomplete",
			zap.String("folder", c.folder), zap.Error(err))
	}
}

// Search embeds query and returns up to topK chunks by ascending distance.
// A collection that has never been added to returns no results and does not
// call the embedder.
func (c *Collection) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 || c.Count() == 0 {
		return []Result{}, nil
	}
	qvec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	hits, err := c.index.Search(ctx, qvec, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		rec, err := c.meta.Get(h.Ordinal)
		if err != nil {
			return nil, fmt.Errorf("resolve ordinal %d in %s: %w", h.Ordinal, c.folder, err)
		}
		results = append(results, Result{
			Text:     rec.Text,
			Source:   rec.Source,
			Distance: h.Distance,
			Ordinal:  h.Ordinal,
		})
	}
	return results, nil
}

// Save persists the current state, for callers that mutate through other means.
func (c *Collection) Save() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := os.MkdirAll(c.folder, 0755); err != nil {
		return fmt.Errorf("create collection folder: %w", err)
	}
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", c.folder, err)
	}
	defer func() { _ = c.lock.Unlock() }()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persist()
}

// Count returns the number of chunks.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Count()
}

// Dimensions returns the vector dimension, or 0 before the first add.
func (c *Collection) Dimensions() int {
	return c.index.Dimensions()
}

// Folder returns the collection folder.
func (c *Collection) Folder() string {
	return c.folder
}

// Name returns the folder's base name.
func (c *Collection) Name() string {
	return filepath.Base(c.folder)
}

// IndexPath returns the index file path.
func (c *Collection) IndexPath() string {
	return filepath.Join(c.folder, IndexFileName)
}

// MetadataPath returns the metadata file path.
func (c *Collection) MetadataPath() string {
	return filepath.Join(c.folder, MetadataFileName)
}

// Records returns a copy of every metadata record in ordinal order.
func (c *Collection) Records() []metadata.Record {
	return c.meta.Records()
}

// Close releases the index. The embedder is owned by the caller.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Close()
}

// Exists reports whether folder holds at least one collection file.
func Exists(folder string) bool {
	return fileExists(filepath.Join(folder, IndexFileName)) || fileExists(filepath.Join(folder, MetadataFileName))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
