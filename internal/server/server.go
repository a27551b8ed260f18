// Package server provides the HTTP API for kensaku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/ingest"
	"github.com/hyperjump/kensaku/internal/retrieval"
	"github.com/hyperjump/kensaku/internal/storage"
)

// maxUploadBytes bounds a multipart upload.
const maxUploadBytes = 64 << 20

// UploadTracker is told about files the server writes into the upload
// directory, so a watcher on that directory does not ingest them twice.
type UploadTracker interface {
	MarkHandled(path string) error
}

// Server is the HTTP server for the kensaku API.
type Server struct {
	retriever *retrieval.Service
	pipeline  *ingest.Pipeline
	catalog   storage.Catalog
	uploads   UploadTracker
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCatalog enables collection listing and counts from the catalog.
func WithCatalog(c storage.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithUploadTracker registers the tracker notified after each upload is saved.
func WithUploadTracker(t UploadTracker) Option {
	return func(s *Server) {
		s.uploads = t
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(
	retriever *retrieval.Service,
	pipeline *ingest.Pipeline,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		retriever: retriever,
		pipeline:  pipeline,
		config:    cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.Timeout(60*time.Second)).Post("/retrieve", s.handleRetrieve)
		r.Post("/ingest/text", s.handleIngestText)
		r.Post("/ingest/url", s.handleIngestURL)
		r.Post("/ingest/upload", s.handleIngestUpload)
		r.Get("/collections", s.handleCollections)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// requestLogger logs each request through zap at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
