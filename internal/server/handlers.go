package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/collection"
	"github.com/hyperjump/kensaku/internal/extract"
	"github.com/hyperjump/kensaku/internal/ingest"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/naming"
	"github.com/hyperjump/kensaku/internal/retrieval"
	"github.com/hyperjump/kensaku/internal/storage"
)

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req models.RetrieveRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Normalize()
	if !s.valid(w, &req) {
		return
	}
	rr := retrieval.Request{Query: req.Query, TopK: req.TopK}
	if req.Collection != "" {
		folder, ok := s.collectionFolder(req.Collection)
		if !ok {
			s.respondError(w, http.StatusBadRequest, "collection must be a folder name under the index root")
			return
		}
		rr.Folder = folder
	}
	s.logger.Debug("retrieve request",
		zap.String("query", req.Query),
		zap.Int("top_k", req.TopK),
		zap.String("collection", req.Collection))

	start := time.Now()
	resp := s.retriever.Retrieve(r.Context(), rr)
	out := models.RetrieveResponse{
		Status:  string(resp.Status),
		Query:   req.Query,
		Results: make([]*models.RetrievedChunk, 0, len(resp.Items())),
		TookMs:  time.Since(start).Milliseconds(),
	}
	for i, item := range resp.Items() {
		out.Results = append(out.Results, &models.RetrievedChunk{
			Text:     item.Text,
			Source:   item.Source,
			Distance: item.Distance,
			Rank:     i + 1,
		})
	}
	out.Total = len(out.Results)
	if resp.Err != nil {
		out.Error = resp.Err.Error()
	}
	s.respondJSON(w, http.StatusOK, out)
}

// collectionFolder maps a collection name to its folder under the index root.
// Names that would leave the root are rejected.
func (s *Server) collectionFolder(name string) (string, bool) {
	if name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	return filepath.Join(s.config.Storage.IndexRoot, name), true
}

func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request) {
	var req models.IngestTextRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.valid(w, &req) {
		return
	}
	s.logger.Debug("ingest text request", zap.String("source", req.Source), zap.Int("bytes", len(req.Text)))
	s.respondIngest(w, s.pipeline.IngestText(r.Context(), req.Source, req.Text))
}

func (s *Server) handleIngestURL(w http.ResponseWriter, r *http.Request) {
	var req models.IngestURLRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.valid(w, &req) {
		return
	}
	s.logger.Debug("ingest url request", zap.String("source", req.URL))
	s.respondIngest(w, s.pipeline.IngestURL(r.Context(), req.URL))
}

func (s *Server) handleIngestUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	name := uploadName(header.Filename)
	if !extract.Supported(name) {
		s.respondError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported file type; expected one of %s", strings.Join(extract.Extensions(), ", ")))
		return
	}
	path, err := s.saveUpload(file, name)
	if err != nil {
		s.logger.Error("save upload failed", zap.String("file", name), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}
	s.logger.Debug("upload saved", zap.String("path", path), zap.Int64("bytes", header.Size))
	s.respondIngest(w, s.pipeline.IngestFile(r.Context(), path))
}

// uploadName reduces a client file name to a safe base name, keeping the extension.
func uploadName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return naming.Sanitize(stem) + ext
}

// saveUpload writes src to a hidden temp file in the upload directory and
// renames it to the first free variant of name.
func (s *Server) saveUpload(src io.Reader, name string) (string, error) {
	dir := s.config.Storage.UploadDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	path := filepath.Join(dir, name)
	for i := 2; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	if s.uploads != nil {
		if err := s.uploads.MarkHandled(path); err != nil {
			s.logger.Warn("mark upload handled", zap.String("path", path), zap.Error(err))
		}
	}
	return path, nil
}

func (s *Server) respondIngest(w http.ResponseWriter, res ingest.Result) {
	out := models.IngestResponse{Chunks: res.Chunks, Folder: res.Folder, Reason: res.Reason}
	if !res.OK() {
		s.respondJSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	out.Collection = res.Collection.Name()
	s.respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)

	if s.catalog != nil {
		infos, err := s.catalog.ListCollections(ctx, offset, limit)
		if err != nil {
			s.logger.Error("list collections failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		total, err := s.catalog.CountCollections(ctx)
		if err != nil {
			s.logger.Error("count collections failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, models.CollectionList{Collections: infos, Total: total})
		return
	}

	folders, err := storage.ScanFolders(s.config.Storage.IndexRoot, collection.IndexFileName)
	if err != nil {
		s.logger.Error("scan index root failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	infos := make([]*models.CollectionInfo, 0, len(folders))
	for _, folder := range folders {
		infos = append(infos, &models.CollectionInfo{Name: filepath.Base(folder), Folder: folder})
	}
	total := int64(len(infos))
	infos = infos[min(offset, len(infos)):min(offset+limit, len(infos))]
	s.respondJSON(w, http.StatusOK, models.CollectionList{Collections: infos, Total: total})
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := models.StatusResponse{
		EmbeddingModel: s.config.Embedding.Model,
		Dimensions:     s.config.Embedding.Dimensions,
		IndexType:      s.config.Vector.IndexType,
	}
	if s.catalog != nil {
		n, err := s.catalog.CountCollections(ctx)
		if err != nil {
			s.logger.Error("status: count collections failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		chunks, err := s.catalog.CountChunks(ctx)
		if err != nil {
			s.logger.Error("status: count chunks failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Collections, resp.Chunks = n, chunks
	}
	if def := s.retriever.Default(); def != nil {
		resp.DefaultCollection = def.Folder()
		resp.DefaultChunks = def.Count()
	}
	diskBytes, err := storage.DiskUsageBytes(s.config.Storage.IndexRoot, s.config.Storage.CatalogPath)
	if err == nil {
		resp.DiskUsageBytes = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into dst, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// valid answers 400 with per-field messages when dst is invalid.
func (s *Server) valid(w http.ResponseWriter, dst any) bool {
	err := validateStruct(dst)
	if err == nil {
		return true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		s.respondJSON(w, http.StatusBadRequest, ve)
		return false
	}
	s.respondError(w, http.StatusBadRequest, err.Error())
	return false
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
