package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/collection"
	"github.com/hyperjump/kensaku/internal/crawl"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/naming"
)

// Failure reasons reported when a source yields no text.
const (
	ReasonNoPDFText  = "No text extracted from PDF."
	ReasonNoFileText = "No text extracted from file."
	ReasonNoURLText  = "No text found at URL or sublinks."
	ReasonNoText     = "No text to ingest."
)

// Extractor turns a file into text.
type Extractor interface {
	Extract(path string) (string, error)
}

// Crawler fetches a URL and the pages it links to.
type Crawler interface {
	Crawl(ctx context.Context, url string) ([]crawl.Page, error)
}

// Catalog records successful ingests.
type Catalog interface {
	RecordCollection(ctx context.Context, info *models.CollectionInfo) error
}

// Result is the outcome of one ingest. On success Chunks > 0 and Collection
// is the new collection; on failure Chunks is 0 and Reason says why.
type Result struct {
	Chunks     int
	Collection *collection.Collection
	Folder     string
	Reason     string
}

// OK reports whether the ingest produced a collection.
func (r Result) OK() bool {
	return r.Chunks > 0 && r.Collection != nil
}

func failed(reason string) Result {
	return Result{Reason: reason}
}

// Pipeline chunks and embeds text and saves it as a new collection under the
// index root.
type Pipeline struct {
	chunker   *Chunker
	embedder  embedding.Embedder
	root      string
	policy    naming.Policy
	indexType string
	extractor Extractor
	crawler   Crawler
	catalog   Catalog
	logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPolicy sets the folder collision policy. The default is naming.PolicySuffix.
func WithPolicy(policy naming.Policy) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithIndexType selects the vector index used by new collections.
func WithIndexType(indexType string) Option {
	return func(p *Pipeline) {
		p.indexType = indexType
	}
}

// WithExtractor sets the file extractor used by IngestFile.
func WithExtractor(e Extractor) Option {
	return func(p *Pipeline) {
		p.extractor = e
	}
}

// WithCrawler sets the crawler used by IngestURL.
func WithCrawler(c Crawler) Option {
	return func(p *Pipeline) {
		p.crawler = c
	}
}

// WithCatalog records every successful ingest in c.
func WithCatalog(c Catalog) Option {
	return func(p *Pipeline) {
		p.catalog = c
	}
}

// NewPipeline creates a pipeline that writes collections under root.
func NewPipeline(chunker *Chunker, emb embedding.Embedder, root string, opts ...Option) (*Pipeline, error) {
	if chunker == nil {
		return nil, errors.New("pipeline requires a chunker")
	}
	if emb == nil {
		return nil, errors.New("pipeline requires an embedder")
	}
	if root == "" {
		return nil, errors.New("pipeline requires an index root")
	}
	p := &Pipeline{
		chunker:  chunker,
		embedder: emb,
		root:     root,
		policy:   naming.PolicySuffix,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Root returns the folder new collections are created in.
func (p *Pipeline) Root() string {
	return p.root
}

// document is text with the source every chunk cut from it inherits.
type document struct {
	text   string
	source string
}

// IngestText stores text as a new collection named after sourceID. Every chunk
// gets sourceID as its source.
func (p *Pipeline) IngestText(ctx context.Context, sourceID, text string) Result {
	return p.ingest(ctx, naming.ForText(sourceID, text), models.KindText, sourceID,
		[]document{{text: text, source: sourceID}}, ReasonNoText)
}

// IngestPages stores crawled pages as one new collection named after sourceID.
// Every chunk keeps the URL of the page it came from as its source.
func (p *Pipeline) IngestPages(ctx context.Context, sourceID string, pages []crawl.Page) Result {
	docs := make([]document, 0, len(pages))
	for _, page := range pages {
		docs = append(docs, document{text: page.Text, source: page.URL})
	}
	return p.ingest(ctx, naming.ForURL(sourceID), models.KindURL, sourceID, docs, ReasonNoURLText)
}

// IngestFile extracts the file at path and stores it as a new collection
// named after the file. Every chunk gets path as its source.
func (p *Pipeline) IngestFile(ctx context.Context, path string) Result {
	if p.extractor == nil {
		return failed("no extractor configured")
	}
	text, err := p.extractor.Extract(path)
	if err != nil {
		p.logger.Warn("extraction failed", zap.String("source", path), zap.Error(err))
		return failed(err.Error())
	}
	noText := ReasonNoFileText
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		noText = ReasonNoPDFText
	}
	return p.ingest(ctx, naming.ForFile(path), models.KindFile, path,
		[]document{{text: text, source: path}}, noText)
}

// IngestURL crawls url and its same-host links and stores the pages as a new
// collection named after url.
func (p *Pipeline) IngestURL(ctx context.Context, url string) Result {
	if p.crawler == nil {
		return failed("no crawler configured")
	}
	pages, err := p.crawler.Crawl(ctx, url)
	if err != nil {
		p.logger.Warn("crawl failed", zap.String("source", url), zap.Error(err))
		return failed(err.Error())
	}
	return p.IngestPages(ctx, url, pages)
}

// ingest chunks docs, builds the collection in a hidden staging folder and
// moves it under its name only once both files are saved. A failed
// ingest leaves nothing under the index root, and under PolicyOverwrite the
// previous collection survives until the new one is complete.
func (p *Pipeline) ingest(ctx context.Context, name, kind, source string, docs []document, noText string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingest panicked", zap.String("source", source), zap.Any("panic", r))
			res = failed(fmt.Sprintf("internal error: %v", r))
		}
	}()

	texts, sources := p.chunk(docs)
	if len(texts) == 0 {
		p.logger.Info("nothing to ingest", zap.String("source", source))
		return failed(noText)
	}
	if err := ctx.Err(); err != nil {
		return failed(err.Error())
	}

	if err := os.MkdirAll(p.root, 0755); err != nil {
		return p.fail(source, fmt.Errorf("create index root: %w", err))
	}
	staging, err := os.MkdirTemp(p.root, ".staging-*")
	if err != nil {
		return p.fail(source, fmt.Errorf("create staging folder: %w", err))
	}
	defer os.RemoveAll(staging)

	coll, err := collection.New(staging, p.embedder, p.collectionOptions()...)
	if err != nil {
		return p.fail(source, err)
	}
	if _, err := coll.AddTexts(ctx, texts, sources); err != nil {
		_ = coll.Close()
		return p.fail(source, err)
	}
	_ = coll.Close()

	folder, err := naming.Place(staging, p.root, name, p.policy)
	if err != nil {
		return p.fail(source, err)
	}
	coll, err = collection.Open(folder, p.embedder, p.collectionOptions()...)
	if err != nil {
		return p.fail(source, fmt.Errorf("reopen saved collection: %w", err))
	}

	p.record(ctx, coll, kind, source)
	p.logger.Info("ingested",
		zap.String("source", source),
		zap.String("folder", folder),
		zap.Int("chunks", coll.Count()))
	return Result{Chunks: coll.Count(), Collection: coll, Folder: folder}
}

// chunk splits every document and drops whitespace-only chunks.
func (p *Pipeline) chunk(docs []document) (texts, sources []string) {
	for _, doc := range docs {
		for c := range p.chunker.Split(Normalize(doc.text)) {
			if strings.TrimSpace(c) == "" {
				continue
			}
			texts = append(texts, c)
			sources = append(sources, doc.source)
		}
	}
	return texts, sources
}

func (p *Pipeline) collectionOptions() []collection.Option {
	return []collection.Option{
		collection.WithLogger(p.logger),
		collection.WithIndexType(p.indexType),
	}
}

func (p *Pipeline) fail(source string, err error) Result {
	p.logger.Warn("ingest failed", zap.String("source", source), zap.Error(err))
	return failed(err.Error())
}

// record adds coll to the catalog. The catalog is advisory, so errors are only logged.
func (p *Pipeline) record(ctx context.Context, coll *collection.Collection, kind, source string) {
	if p.catalog == nil {
		return
	}
	info := &models.CollectionInfo{
		Name:       coll.Name(),
		Folder:     coll.Folder(),
		Source:     source,
		Kind:       kind,
		Chunks:     coll.Count(),
		Dimensions: coll.Dimensions(),
		Model:      p.embedder.ModelName(),
	}
	if err := p.catalog.RecordCollection(ctx, info); err != nil {
		p.logger.Error("record collection in catalog",
			zap.String("folder", coll.Folder()), zap.Error(err))
	}
}
