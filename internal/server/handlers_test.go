package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/crawl"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/extract"
	"github.com/hyperjump/kensaku/internal/ingest"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/retrieval"
	"github.com/hyperjump/kensaku/internal/storage"
)

type recordingTracker struct {
	paths []string
}

func (r *recordingTracker) MarkHandled(path string) error {
	r.paths = append(r.paths, path)
	return nil
}

type testEnv struct {
	handler http.Handler
	cfg     *config.Config
	catalog *storage.SQLiteCatalog
	tracker *recordingTracker
}

func newTestEnv(t *testing.T, withCatalog bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.IndexRoot = filepath.Join(dir, "indexes")
	cfg.Storage.DefaultCollection = filepath.Join(dir, "indexes", "default")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	cfg.Storage.CatalogPath = filepath.Join(dir, "catalog.db")
	cfg.Embedding.Model = "hash-fnv64"
	cfg.Embedding.Dimensions = 256

	emb := embedding.NewHashEmbedder(256)
	chunker, err := ingest.NewChunker(200, 20)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	env := &testEnv{cfg: cfg, tracker: &recordingTracker{}}
	pipeOpts := []ingest.Option{
		ingest.WithExtractor(extract.NewExtractor()),
		ingest.WithCrawler(crawl.New(crawl.WithMaxPages(3))),
	}
	srvOpts := []Option{WithUploadTracker(env.tracker)}
	if withCatalog {
		env.catalog, err = storage.NewSQLiteCatalog(cfg.Storage.CatalogPath)
		if err != nil {
			t.Fatalf("NewSQLiteCatalog: %v", err)
		}
		t.Cleanup(func() { env.catalog.Close() })
		pipeOpts = append(pipeOpts, ingest.WithCatalog(env.catalog))
		srvOpts = append(srvOpts, WithCatalog(env.catalog))
	}
	pipeline, err := ingest.NewPipeline(chunker, emb, cfg.Storage.IndexRoot, pipeOpts...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	retriever, err := retrieval.NewService(emb)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.handler = NewServer(retriever, pipeline, cfg, zap.NewNop(), srvOpts...).Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody[map[string]string](t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %q, want ok", got)
	}
}

func TestIngestTextThenRetrieve(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodPost, "/api/v1/ingest/text", models.IngestTextRequest{
		Source: "pets",
		Text:   "Cats are small carnivorous mammals that purr.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", rec.Code, rec.Body.String())
	}
	ing := decodeBody[models.IngestResponse](t, rec)
	if ing.Chunks != 1 || ing.Collection != "pets_" {
		t.Fatalf("ingest = %+v, want 1 chunk in pets_", ing)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/retrieve", models.RetrieveRequest{
		Query:      "Cats are small carnivorous mammals that purr.",
		Collection: "pets_",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("retrieve status = %d", rec.Code)
	}
	resp := decodeBody[models.RetrieveResponse](t, rec)
	if resp.Status != "ok" || resp.Total != 1 {
		t.Fatalf("retrieve = %+v, want one ok result", resp)
	}
	hit := resp.Results[0]
	if hit.Source != "pets" || hit.Rank != 1 || hit.Distance != 0 {
		t.Errorf("hit = %+v", hit)
	}
}

func TestHandleRetrieve_NoCollection(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name       string
		collection string
	}{
		{"no default", ""},
		{"missing folder", "nothing_here_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/retrieve", models.RetrieveRequest{
				Query: "anything", Collection: tt.collection,
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			resp := decodeBody[models.RetrieveResponse](t, rec)
			if resp.Status != "empty" || resp.Results == nil || len(resp.Results) != 0 {
				t.Errorf("resp = %+v, want empty with [] results", resp)
			}
		})
	}
}

func TestHandleRetrieve_BadRequests(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"blank query", models.RetrieveRequest{Query: "   "}, "query"},
		{"top_k too large", models.RetrieveRequest{Query: "x", TopK: models.MaxTopK + 1}, "top_k"},
		{"traversal", models.RetrieveRequest{Query: "x", Collection: "../etc"}, ""},
		{"nested", models.RetrieveRequest{Query: "x", Collection: "a/b"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/retrieve", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if tt.field == "" {
				return
			}
			ve := decodeBody[ValidationError](t, rec)
			if _, ok := ve.Fields[tt.field]; !ok {
				t.Errorf("fields = %v, want entry for %s", ve.Fields, tt.field)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/retrieve", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestHandleIngestText_Validation(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/api/v1/ingest/text", models.IngestTextRequest{Text: "body"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	ve := decodeBody[ValidationError](t, rec)
	if ve.Fields["source"] != "source is required" {
		t.Errorf("fields = %v", ve.Fields)
	}
}

func TestHandleIngestText_WhitespaceFails(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/api/v1/ingest/text", models.IngestTextRequest{Source: "blank", Text: " \n\t "})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	resp := decodeBody[models.IngestResponse](t, rec)
	if resp.Chunks != 0 || resp.Reason != ingest.ReasonNoText {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleIngestURL(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>Dogs are loyal companions.</p></body></html>`)
	}))
	defer site.Close()
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/v1/ingest/url", models.IngestURLRequest{URL: site.URL})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[models.IngestResponse](t, rec); resp.Chunks != 1 {
		t.Errorf("chunks = %d, want 1", resp.Chunks)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/ingest/url", models.IngestURLRequest{URL: "not a url"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid url status = %d, want 400", rec.Code)
	}
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleIngestUpload(t *testing.T) {
	env := newTestEnv(t, false)

	for i, want := range []string{"notes.txt", "notes-2.txt"} {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, uploadRequest(t, "../../notes.txt", []byte("Plain text about ferrets.")))
		if rec.Code != http.StatusCreated {
			t.Fatalf("upload %d status = %d, body %s", i, rec.Code, rec.Body.String())
		}
		path := filepath.Join(env.cfg.Storage.UploadDir, want)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("upload %d not saved at %s: %v", i, path, err)
		}
		if env.tracker.paths[i] != path {
			t.Errorf("tracked %q, want %q", env.tracker.paths[i], path)
		}
	}

	entries, err := os.ReadDir(env.cfg.Storage.UploadDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("upload dir holds %d entries, want 2 with no temp files left", len(entries))
	}
}

func TestHandleIngestUpload_Rejects(t *testing.T) {
	env := newTestEnv(t, false)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, uploadRequest(t, "slides.pptx", []byte("x")))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("pptx status = %d, want 415", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/upload", bytes.NewBufferString("plain"))
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing file status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, uploadRequest(t, "empty.txt", []byte("   ")))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty file status = %d, want 422", rec.Code)
	}
	if resp := decodeBody[models.IngestResponse](t, rec); resp.Reason != ingest.ReasonNoFileText {
		t.Errorf("reason = %q", resp.Reason)
	}
}

func TestHandleCollections(t *testing.T) {
	for _, withCatalog := range []bool{true, false} {
		t.Run(fmt.Sprintf("catalog=%v", withCatalog), func(t *testing.T) {
			env := newTestEnv(t, withCatalog)
			for _, src := range []string{"alpha", "beta"} {
				rec := env.do(t, http.MethodPost, "/api/v1/ingest/text", models.IngestTextRequest{Source: src, Text: "some text for " + src})
				if rec.Code != http.StatusCreated {
					t.Fatalf("ingest %s status = %d", src, rec.Code)
				}
			}

			rec := env.do(t, http.MethodGet, "/api/v1/collections", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			list := decodeBody[models.CollectionList](t, rec)
			if list.Total != 2 || len(list.Collections) != 2 {
				t.Fatalf("list = %+v, want 2 collections", list)
			}

			rec = env.do(t, http.MethodGet, "/api/v1/collections?offset=1&limit=5", nil)
			if list := decodeBody[models.CollectionList](t, rec); list.Total != 2 || len(list.Collections) != 1 {
				t.Errorf("paged list = %+v, want 1 of 2", list)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/api/v1/ingest/text", models.IngestTextRequest{Source: "s", Text: "status check text"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	st := decodeBody[models.StatusResponse](t, rec)
	if st.Collections != 1 || st.Chunks != 1 {
		t.Errorf("counts = %d/%d, want 1/1", st.Collections, st.Chunks)
	}
	if st.EmbeddingModel != "hash-fnv64" || st.Dimensions != 256 {
		t.Errorf("model = %s/%d", st.EmbeddingModel, st.Dimensions)
	}
	if st.DiskUsageBytes <= 0 {
		t.Errorf("disk usage = %d, want > 0", st.DiskUsageBytes)
	}
	if st.DefaultCollection != "" {
		t.Errorf("default collection = %q, want none", st.DefaultCollection)
	}
}
