// Package main is the kensaku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/cli"
	"github.com/hyperjump/kensaku/internal/collection"
	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/crawl"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/extract"
	"github.com/hyperjump/kensaku/internal/ingest"
	"github.com/hyperjump/kensaku/internal/metadata"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/naming"
	"github.com/hyperjump/kensaku/internal/retrieval"
	"github.com/hyperjump/kensaku/internal/server"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/internal/watcher"
	"github.com/hyperjump/kensaku/pkg/utils"
)

var version = "dev"

const (
	localConfigName = "config.yaml"
	defaultEnvPath  = ".env"
)

// resolveConfigPath returns path, or config.yaml in the working directory when
// path is empty and that file exists. An empty result means defaults only.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, localConfigName)
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	return ""
}

func loadConfig(path, envPath string) (*config.Config, string, error) {
	resolved := resolveConfigPath(path)
	cfg, err := config.LoadWithEnv(resolved, envPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, resolved, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "query":
		runQuery()
	case "collections":
		runCollections()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kensaku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// commonFlags registers the flags every local command takes.
func commonFlags(fs *flag.FlagSet) (configPath, envPath *string, debug *bool) {
	configPath = fs.String("config", "", "config file path (default: ./config.yaml if present)")
	envPath = fs.String("env", defaultEnvPath, ".env file loaded before the config")
	debug = fs.Bool("debug", false, "enable debug logging")
	return
}

// setup loads the config and builds the logger, exiting on failure.
func setup(name, configPath, envPath string, debug bool) (*config.Config, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath, envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded",
		zap.String("config_path", resolved),
		zap.String("index_root", cfg.Storage.IndexRoot),
		zap.String("default_collection", cfg.Storage.DefaultCollection),
		zap.Bool("debug", debugMode))
	return cfg, logger
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath, envPath, debug := commonFlags(fs)
	_ = fs.Parse(os.Args[2:])

	cfg, logger := setup("server", *configPath, *envPath, *debug)
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []server.Option{server.WithCatalog(components.Catalog)}
	if cfg.Watch.Enabled {
		pipeline := components.Pipeline
		w := watcher.New(cfg.Storage.UploadDir, cfg.Watch.Extensions,
			func(ctx context.Context, path string) {
				res := pipeline.IngestFile(ctx, path)
				if !res.OK() {
					logger.Warn("watched file not ingested", zap.String("path", path), zap.String("reason", res.Reason))
					return
				}
				_ = res.Collection.Close()
			},
			watcher.WithLogger(logger.Named("watcher")))
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
		opts = append(opts, server.WithUploadTracker(w))
	}

	srv := server.NewServer(components.Retriever, components.Pipeline, cfg, logger, opts...)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// isURL reports whether arg should be crawled rather than read from disk.
func isURL(arg string) bool {
	u, err := url.Parse(arg)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath, envPath, debug := commonFlags(fs)
	source := fs.String("source", "stdin", "source id for text read from stdin")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))
	if fs.NArg() != 1 {
		fmt.Println("Usage: kensaku ingest [flags] <file|url|->")
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, logger := setup("ingest", *configPath, *envPath, *debug)
	defer logger.Sync()
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	ctx := context.Background()
	arg := fs.Arg(0)
	var res ingest.Result
	switch {
	case arg == "-":
		text, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Read stdin failed: %v\n", err)
			os.Exit(1)
		}
		res = components.Pipeline.IngestText(ctx, *source, string(text))
	case isURL(arg):
		res = components.Pipeline.IngestURL(ctx, arg)
	default:
		abs, err := filepath.Abs(arg)
		if err != nil {
			abs = arg
		}
		res = components.Pipeline.IngestFile(ctx, abs)
	}

	out := &models.IngestResponse{Chunks: res.Chunks, Folder: res.Folder, Reason: res.Reason}
	if res.OK() {
		out.Collection = res.Collection.Name()
		defer res.Collection.Close()
	}
	if err := cli.WriteIngest(os.Stdout, out, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if !res.OK() {
		os.Exit(2)
	}
}

// buildQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves flags that appear after the positional arguments to the
// front, since flag.Parse stops at the first non-flag argument.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 1 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// collectionFolder maps --collection to a folder. A bare name is looked up
// under the index root; anything with a path separator is used as a path.
func collectionFolder(root, name string) string {
	if name == "" {
		return ""
	}
	if strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		if abs, err := filepath.Abs(name); err == nil {
			return abs
		}
		return name
	}
	return filepath.Join(root, name)
}

func printQueryUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kensaku query [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Without --collection the default collection is searched.

Examples:
  kensaku query what do cats eat
  kensaku query --collection report_ quarterly revenue
  kensaku query --top-k 3 --output json "machine learning"
  kensaku query --server http://localhost:8000 feline
`)
}

func runQuery() {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath, envPath, debug := commonFlags(fs)
	coll := fs.String("collection", "", "collection name under the index root, or a folder path")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	serverURL := fs.String("server", "", "query a running server instead of reading the index directly")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printQueryUsage(fs) }
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	query := buildQuery(fs.Args())
	if query == "" {
		printQueryUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var resp *models.RetrieveResponse
	if *serverURL != "" {
		req := &models.RetrieveRequest{Query: query, TopK: *topK, Collection: *coll}
		resp = &models.RetrieveResponse{}
		if err := postJSON(*serverURL+"/api/v1/retrieve", req, resp); err != nil {
			fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, logger := setup("query", *configPath, *envPath, *debug)
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize", zap.Error(err))
		}
		defer components.Close()
		resp = retrieveLocal(context.Background(), components.Retriever, retrieval.Request{
			Query:  query,
			TopK:   *topK,
			Folder: collectionFolder(cfg.Storage.IndexRoot, *coll),
		})
	}

	if err := cli.WriteRetrieval(os.Stdout, resp, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if resp.Status == string(retrieval.StatusFailed) {
		os.Exit(2)
	}
}

// retrieveLocal runs req against svc and shapes the response like the API does.
func retrieveLocal(ctx context.Context, svc *retrieval.Service, req retrieval.Request) *models.RetrieveResponse {
	start := time.Now()
	r := svc.Retrieve(ctx, req)
	out := &models.RetrieveResponse{
		Status:  string(r.Status),
		Query:   req.Query,
		Results: make([]*models.RetrievedChunk, 0, len(r.Items())),
		TookMs:  time.Since(start).Milliseconds(),
	}
	for i, item := range r.Items() {
		out.Results = append(out.Results, &models.RetrievedChunk{
			Text: item.Text, Source: item.Source, Distance: item.Distance, Rank: i + 1,
		})
	}
	out.Total = len(out.Results)
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func runCollections() {
	fs := flag.NewFlagSet("collections", flag.ExitOnError)
	configPath, envPath, debug := commonFlags(fs)
	serverURL := fs.String("server", "", "list from a running server instead of the local catalog")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	list := &models.CollectionList{}
	if *serverURL != "" {
		if err := getJSON(*serverURL+"/api/v1/collections", list); err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, logger := setup("collections", *configPath, *envPath, *debug)
		defer logger.Sync()
		list, err = listLocal(context.Background(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteCollections(os.Stdout, list, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// listLocal reads the catalog, falling back to scanning the index root when
// the catalog holds nothing.
func listLocal(ctx context.Context, cfg *config.Config) (*models.CollectionList, error) {
	catalog, err := storage.NewSQLiteCatalog(cfg.Storage.CatalogPath)
	if err != nil {
		return nil, err
	}
	defer catalog.Close()
	infos, err := catalog.ListCollections(ctx, 0, 1000)
	if err != nil {
		return nil, err
	}
	if len(infos) > 0 {
		total, err := catalog.CountCollections(ctx)
		if err != nil {
			return nil, err
		}
		return &models.CollectionList{Collections: infos, Total: total}, nil
	}
	folders, err := storage.ScanFolders(cfg.Storage.IndexRoot, collection.IndexFileName)
	if err != nil {
		return nil, err
	}
	list := &models.CollectionList{Collections: make([]*models.CollectionInfo, 0, len(folders))}
	for _, f := range folders {
		list.Collections = append(list.Collections, &models.CollectionInfo{Name: filepath.Base(f), Folder: f})
	}
	list.Total = int64(len(list.Collections))
	return list, nil
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath, envPath, debug := commonFlags(fs)
	serverURL := fs.String("server", "", "ask a running server instead of reading local state")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	status := &models.StatusResponse{}
	if *serverURL != "" {
		if err := getJSON(*serverURL+"/api/v1/status", status); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, logger := setup("status", *configPath, *envPath, *debug)
		defer logger.Sync()
		status, err = statusLocal(context.Background(), cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// statusLocal reports on-disk state without loading the embedding model.
func statusLocal(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*models.StatusResponse, error) {
	catalog, err := storage.NewSQLiteCatalog(cfg.Storage.CatalogPath)
	if err != nil {
		return nil, err
	}
	defer catalog.Close()
	st := &models.StatusResponse{
		EmbeddingModel: cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		IndexType:      cfg.Vector.IndexType,
	}
	if st.Collections, err = catalog.CountCollections(ctx); err != nil {
		return nil, err
	}
	if st.Chunks, err = catalog.CountChunks(ctx); err != nil {
		return nil, err
	}
	if collection.Exists(cfg.Storage.DefaultCollection) {
		meta := metadata.New()
		if err := meta.Load(filepath.Join(cfg.Storage.DefaultCollection, collection.MetadataFileName)); err != nil {
			logger.Warn("default collection metadata unreadable",
				zap.String("folder", cfg.Storage.DefaultCollection), zap.Error(err))
		} else {
			st.DefaultCollection = cfg.Storage.DefaultCollection
			st.DefaultChunks = meta.Len()
		}
	}
	if n, err := storage.DiskUsageBytes(cfg.Storage.IndexRoot, cfg.Storage.CatalogPath); err == nil {
		st.DiskUsageBytes = n
	}
	return st, nil
}

func getJSON(target string, out any) error {
	resp, err := http.Get(target)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(target string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(target, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Components holds initialized services.
type Components struct {
	Embedder  embedding.Embedder
	Catalog   *storage.SQLiteCatalog
	Default   *collection.Collection
	Retriever *retrieval.Service
	Pipeline  *ingest.Pipeline
}

func (c *Components) Close() {
	if c.Retriever != nil {
		c.Retriever.Purge()
	}
	if c.Default != nil {
		_ = c.Default.Close()
	}
	if c.Catalog != nil {
		_ = c.Catalog.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

// initializeComponents builds the embedder, the default collection and the
// services around them. A model that cannot load is fatal to the caller.
func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	emb, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding model: %w", err)
	}
	c := &Components{Embedder: emb}
	logger.Info("embedding model loaded",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", emb.ModelName()))

	catalog, err := storage.NewSQLiteCatalog(cfg.Storage.CatalogPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	c.Catalog = catalog

	collOpts := []collection.Option{collection.WithIndexType(cfg.Vector.IndexType)}
	c.Default = retrieval.DefaultFromConfig(cfg.Storage.DefaultCollection, emb, logger, collOpts...)

	c.Retriever, err = retrieval.NewService(emb,
		retrieval.WithDefault(c.Default),
		retrieval.WithLogger(logger.Named("retrieval")),
		retrieval.WithTopK(cfg.Retrieval.TopK),
		retrieval.WithCacheSize(cfg.Retrieval.CacheSize),
		retrieval.WithCollectionOptions(collOpts...))
	if err != nil {
		c.Close()
		return nil, err
	}

	chunker, err := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		c.Close()
		return nil, err
	}
	ingestLogger := logger.Named("ingest")
	c.Pipeline, err = ingest.NewPipeline(chunker, emb, cfg.Storage.IndexRoot,
		ingest.WithLogger(ingestLogger),
		ingest.WithPolicy(naming.Policy(cfg.Ingest.OnCollision)),
		ingest.WithIndexType(cfg.Vector.IndexType),
		ingest.WithExtractor(extract.NewExtractor(extract.WithLogger(ingestLogger))),
		ingest.WithCrawler(crawl.New(
			crawl.WithMaxPages(cfg.Ingest.CrawlMaxPages),
			crawl.WithTimeout(time.Duration(cfg.Ingest.CrawlTimeoutSeconds)*time.Second),
			crawl.WithLogger(logger.Named("crawl")))),
		ingest.WithCatalog(catalog))
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func printUsage() {
	fmt.Println(`kensaku - Local vector retrieval over your documents

Usage:
  kensaku server [flags]               Start the HTTP server
  kensaku ingest [flags] <file|url|->  Ingest a file, a URL and its same-host links, or stdin
  kensaku query [flags] <query>        Retrieve the closest chunks
  kensaku collections [flags]          List collections
  kensaku status [flags]               Show catalog, default collection and disk usage
  kensaku version                      Show version
  kensaku help                         Show this help

Common Flags:
  --config string    Config file path (default: ./config.yaml if present)
  --env string       .env file loaded first (default: .env)
  --debug            Enable debug logging

Query Flags:
  --collection string  Collection name under the index root, or a folder path
  --top-k int          Number of results (default: TOP_K or 6)
  --server string      Query a running server, e.g. http://localhost:8000
  --output string      text, compact, or json

Environment:
  EMBEDDING_MODEL, EMBEDDING_PROVIDER, OLLAMA_HOST, FAISS_INDEX_PATH,
  INDEX_ROOT, UPLOAD_DIR, CATALOG_PATH, VECTOR_INDEX_TYPE, TOP_K, KENSAKU_DEBUG

Examples:
  kensaku server
  kensaku ingest report.pdf
  kensaku ingest https://example.com/docs
  echo "some notes" | kensaku ingest --source notes -
  kensaku query --collection report_ revenue growth
  kensaku collections --output json
  kensaku status`)
}
