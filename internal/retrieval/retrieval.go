// Package retrieval answers queries against a collection chosen per request,
// falling back to the default collection.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/collection"
	"github.com/hyperjump/kensaku/internal/embedding"
)

const (
	// DefaultTopK is used when a request does not ask for a result count.
	DefaultTopK = 6
	// DefaultCacheSize is the number of opened folders kept in memory.
	DefaultCacheSize = 16
)

// ErrEmptyQuery is reported for a blank query.
var ErrEmptyQuery = errors.New("query is empty")

// Status tags a Response.
type Status string

const (
	// StatusOK means Results holds at least one hit.
	StatusOK Status = "ok"
	// StatusEmpty means there was nothing to search or nothing matched.
	StatusEmpty Status = "empty"
	// StatusFailed means the search could not run; Err says why.
	StatusFailed Status = "failed"
)

// Request selects what to search. Collection wins over Folder, and Folder
// over the service's default collection. TopK <= 0 uses the service default.
type Request struct {
	Query      string
	TopK       int
	Collection *collection.Collection
	Folder     string
}

// Response is the tagged outcome of Retrieve. Results is empty unless Status
// is StatusOK; Err is set only when Status is StatusFailed.
type Response struct {
	Status  Status
	Results []collection.Result
	Err     error
}

// Items returns the results, never nil, whatever the status.
func (r Response) Items() []collection.Result {
	if r.Results == nil {
		return []collection.Result{}
	}
	return r.Results
}

func empty() Response {
	return Response{Status: StatusEmpty, Results: []collection.Result{}}
}

func failed(err error) Response {
	return Response{Status: StatusFailed, Results: []collection.Result{}, Err: err}
}

// cached is an opened folder and the metadata file state it was loaded from.
// refs counts searches still using coll; an evicted entry is closed once
// refs drops to zero. Both fields are guarded by Service.mu.
type cached struct {
	coll    *collection.Collection
	modTime time.Time
	size    int64
	refs    int
	evicted bool
}

// Service runs retrievals. It is safe for concurrent use.
type Service struct {
	embedder    embedding.Embedder
	def         *collection.Collection
	topK        int
	cacheSize   int
	collOptions []collection.Option
	logger      *zap.Logger

	mu    sync.Mutex // serializes folder opens and guards cached entries
	cache *lru.Cache[string, *cached]
}

// Option configures a Service.
type Option func(*Service)

// WithDefault sets the collection used when a request names none.
func WithDefault(c *collection.Collection) Option {
	return func(s *Service) {
		s.def = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTopK sets the result count used when a request asks for none.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithCacheSize sets how many opened folders are kept.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithCollectionOptions sets the options used when opening request folders.
func WithCollectionOptions(opts ...collection.Option) Option {
	return func(s *Service) {
		s.collOptions = opts
	}
}

// NewService creates a retrieval service that embeds queries with emb.
func NewService(emb embedding.Embedder, opts ...Option) (*Service, error) {
	if emb == nil {
		return nil, errors.New("retrieval service requires an embedder")
	}
	s := &Service{
		embedder:  emb,
		topK:      DefaultTopK,
		cacheSize: DefaultCacheSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.NewWithEvict[string, *cached](s.cacheSize, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create collection cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Default returns the default collection, or nil.
func (s *Service) Default() *collection.Collection {
	return s.def
}

// TopK returns the default result count.
func (s *Service) TopK() int {
	return s.topK
}

// Retrieve searches the collection selected by req. It never returns an error
// directly: failures are logged and reported as StatusFailed.
func (s *Service) Retrieve(ctx context.Context, req Request) Response {
	if strings.TrimSpace(req.Query) == "" {
		return failed(ErrEmptyQuery)
	}
	k := req.TopK
	if k <= 0 {
		k = s.topK
	}

	coll, release, err := s.resolve(req)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			s.logger.Info("no collection at folder", zap.String("folder", req.Folder))
			return empty()
		}
		s.logger.Error("open collection", zap.String("folder", req.Folder), zap.Error(err))
		return failed(err)
	}
	if coll == nil {
		s.logger.Debug("no collection available for retrieval")
		return empty()
	}
	defer release()

	results, err := coll.Search(ctx, req.Query, k)
	if err != nil {
		s.logger.Error("retrieve",
			zap.String("folder", coll.Folder()),
			zap.Int("top_k", k),
			zap.Error(err))
		return failed(err)
	}
	if len(results) == 0 {
		return empty()
	}
	s.logger.Debug("retrieved",
		zap.String("folder", coll.Folder()),
		zap.Int("count", len(results)))
	return Response{Status: StatusOK, Results: results}
}

func noRelease() {}

func (s *Service) resolve(req Request) (*collection.Collection, func(), error) {
	switch {
	case req.Collection != nil:
		return req.Collection, noRelease, nil
	case req.Folder != "":
		return s.open(req.Folder)
	default:
		return s.def, noRelease, nil
	}
}

// open returns the collection in folder, reusing the cached copy while the
// metadata file is unchanged on disk. The caller must call release when done
// searching so an evicted collection can be closed.
func (s *Service) open(folder string) (coll *collection.Collection, release func(), err error) {
	folder = filepath.Clean(folder)
	if abs, err := filepath.Abs(folder); err == nil {
		folder = abs
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var modTime time.Time
	var size int64
	info, statErr := os.Stat(filepath.Join(folder, collection.MetadataFileName))
	if statErr == nil {
		modTime, size = info.ModTime(), info.Size()
	}
	if c, ok := s.cache.Get(folder); ok {
		if statErr == nil && c.modTime.Equal(modTime) && c.size == size {
			return c.coll, s.acquire(folder, c), nil
		}
		s.cache.Remove(folder)
	}

	coll, err = collection.Open(folder, s.embedder, s.openOptions()...)
	if err != nil {
		return nil, nil, err
	}
	c := &cached{coll: coll, modTime: modTime, size: size}
	s.cache.Add(folder, c)
	return coll, s.acquire(folder, c), nil
}

// acquire takes a reference on c. Callers hold s.mu.
func (s *Service) acquire(folder string, c *cached) func() {
	c.refs++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			c.refs--
			if c.evicted && c.refs == 0 {
				s.closeCached(folder, c)
			}
		})
	}
}

// onEvict runs from cache calls made while s.mu is held.
func (s *Service) onEvict(folder string, c *cached) {
	c.evicted = true
	if c.refs == 0 {
		s.closeCached(folder, c)
	}
}

func (s *Service) closeCached(folder string, c *cached) {
	if err := c.coll.Close(); err != nil {
		s.logger.Warn("close evicted collection", zap.String("folder", folder), zap.Error(err))
	}
}

func (s *Service) openOptions() []collection.Option {
	opts := []collection.Option{collection.WithLogger(s.logger)}
	return append(opts, s.collOptions...)
}

// Purge drops every cached folder. Collections no search is using are closed.
func (s *Service) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

// DefaultFromConfig opens the default collection at folder once at startup.
// A missing or empty folder means no default and is logged at info; a damaged
// one also means no default and is logged at error.
func DefaultFromConfig(folder string, emb embedding.Embedder, logger *zap.Logger, opts ...collection.Option) *collection.Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if folder == "" {
		return nil
	}
	opts = append([]collection.Option{collection.WithLogger(logger)}, opts...)
	coll, err := collection.Open(folder, emb, opts...)
	switch {
	case err == nil:
		logger.Info("default collection loaded",
			zap.String("folder", folder),
			zap.Int("count", coll.Count()),
			zap.Int("dimensions", coll.Dimensions()))
		return coll
	case errors.Is(err, collection.ErrNotFound):
		logger.Info("no default collection", zap.String("folder", folder))
	default:
		logger.Error("default collection unusable", zap.String("folder", folder), zap.Error(err))
	}
	return nil
}
