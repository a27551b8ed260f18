package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"slices"
	"testing"

	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/metadata"
	"github.com/hyperjump/kensaku/internal/vector"
)

// tableEmbedder returns fixed vectors so distances are known in advance.
type tableEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
	err     error
	short   bool // return one vector too few
}

func newTableEmbedder() *tableEmbedder {
	return &tableEmbedder{vectors: map[string][]float32{
		"cat":    {1, 0},
		"dog":    {0.8, 0.6},
		"car":    {0, 1},
		"feline": {0.95, 0.05},
		"wide":   {1, 1, 1},
	}}
}

func (e *tableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *tableEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, 0, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			return nil, &embedding.EncodeError{Index: i, Err: fmt.Errorf("unknown text %q", t)}
		}
		out = append(out, v)
	}
	if e.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (e *tableEmbedder) Dimensions() int   { return 2 }
func (e *tableEmbedder) ModelName() string { return "table" }
func (e *tableEmbedder) Close() error      { return nil }

func (e *tableEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestCollection(t *testing.T, emb embedding.Embedder) (*Collection, string) {
	t.Helper()
	folder := filepath.Join(t.TempDir(), "c")
	c, err := New(folder, emb)
	if err != nil {
		t.Fatal(err)
	}
	return c, folder
}

func mustAdd(t *testing.T, c *Collection, texts, sources []string) vector.OrdinalRange {
	t.Helper()
	r, err := c.AddTexts(context.Background(), texts, sources)
	if err != nil {
		t.Fatalf("AddTexts(%v): %v", texts, err)
	}
	return r
}

func mustSearch(t *testing.T, c *Collection, query string, topK int) []Result {
	t.Helper()
	results, err := c.Search(context.Background(), query, topK)
	if err != nil {
		t.Fatalf("Search(%q): %v", query, err)
	}
	return results
}

func resultTexts(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Text
	}
	return out
}

func TestCollection_SearchScenario(t *testing.T) {
	c, _ := newTestCollection(t, newTableEmbedder())

	r := mustAdd(t, c, []string{"cat", "dog", "car"}, []string{"a", "a", "b"})
	if r != (vector.OrdinalRange{Start: 0, End: 3}) {
		t.Errorf("range=%+v", r)
	}

	results := mustSearch(t, c, "feline", 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Text != "cat" || results[0].Source != "a" || results[1].Text != "dog" {
		t.Errorf("results=%+v", results)
	}
	if results[0].Distance > results[1].Distance {
		t.Errorf("distances not ascending: %+v", results)
	}
	if d := results[0].Distance - 0.005; d > 1e-6 || d < -1e-6 {
		t.Errorf("distance=%v, want 0.005", results[0].Distance)
	}
}

func TestCollection_AlignmentAndRoundTrip(t *testing.T) {
	emb := newTableEmbedder()
	c, folder := newTestCollection(t, emb)

	mustAdd(t, c, []string{"cat", "dog"}, []string{"s1", "s2"})
	mustAdd(t, c, []string{"car"}, []string{"s3"})
	if c.Count() != 3 || len(c.Records()) != 3 {
		t.Fatalf("Count=%d Records=%d", c.Count(), len(c.Records()))
	}
	before := mustSearch(t, c, "feline", 3)

	loaded, err := Open(folder, emb)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Count() != 3 || loaded.Dimensions() != 2 {
		t.Errorf("Count=%d Dimensions=%d", loaded.Count(), loaded.Dimensions())
	}
	if !slices.Equal(c.Records(), loaded.Records()) {
		t.Errorf("records differ after load: %+v vs %+v", c.Records(), loaded.Records())
	}
	if after := mustSearch(t, loaded, "feline", 3); !slices.Equal(before, after) {
		t.Errorf("search differs after load: %+v vs %+v", before, after)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	emb := newTableEmbedder()
	c, folder := newTestCollection(t, emb)
	mustAdd(t, c, []string{"cat", "dog", "car"}, []string{"a", "b", "c"})

	first, err := Open(folder, emb)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Open(folder, emb)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(first.Records(), second.Records()) {
		t.Errorf("records differ: %+v vs %+v", first.Records(), second.Records())
	}
	for _, query := range []string{"feline", "car", "dog"} {
		for _, k := range []int{1, 2, 5} {
			a, b := mustSearch(t, first, query, k), mustSearch(t, second, query, k)
			if len(a) != len(b) {
				t.Fatalf("%q k=%d: %d vs %d results", query, k, len(a), len(b))
			}
			for i := range a {
				if a[i].Ordinal != b[i].Ordinal || a[i].Distance != b[i].Distance {
					t.Errorf("%q k=%d hit %d: %+v vs %+v", query, k, i, a[i], b[i])
				}
			}
		}
	}
}

func TestCollection_TopKLargerThanCount(t *testing.T) {
	c, _ := newTestCollection(t, newTableEmbedder())
	mustAdd(t, c, []string{"car", "cat"}, []string{"x", "y"})

	got := resultTexts(mustSearch(t, c, "feline", 10))
	if want := []string{"cat", "car"}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCollection_EmptySearchSkipsEmbedder(t *testing.T) {
	emb := newTableEmbedder()
	c, _ := newTestCollection(t, emb)
	results := mustSearch(t, c, "feline", 5)
	if results == nil || len(results) != 0 {
		t.Errorf("expected an empty non-nil slice, got %#v", results)
	}
	if emb.callCount() != 0 {
		t.Errorf("embedder called %d times", emb.callCount())
	}
}

func TestCollection_DimensionMismatchRejectsBatch(t *testing.T) {
	c, folder := newTestCollection(t, newTableEmbedder())
	mustAdd(t, c, []string{"cat"}, []string{"a"})

	_, err := c.AddTexts(context.Background(), []string{"dog", "wide"}, []string{"a", "b"})
	var dm *vector.DimensionMismatchError
	if !errors.As(err, &dm) {
		t.Fatalf("expected DimensionMismatchError, got %v", err)
	}
	if dm.Expected != 2 || dm.Got != 3 {
		t.Errorf("mismatch %+v", dm)
	}
	if c.Count() != 1 || len(c.Records()) != 1 {
		t.Errorf("Count=%d Records=%d", c.Count(), len(c.Records()))
	}

	loaded, err := Open(folder, newTableEmbedder())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Count() != 1 {
		t.Errorf("loaded Count=%d", loaded.Count())
	}
}

func TestCollection_AddTextsValidation(t *testing.T) {
	emb := newTableEmbedder()
	c, folder := newTestCollection(t, emb)

	if _, err := c.AddTexts(context.Background(), []string{"cat"}, nil); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
	if r := mustAdd(t, c, nil, nil); r.Len() != 0 {
		t.Errorf("range=%+v", r)
	}
	if emb.callCount() != 0 {
		t.Errorf("embedder called %d times", emb.callCount())
	}
	if Exists(folder) {
		t.Error("empty batch must not write files")
	}
}

func TestCollection_EmbeddingFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	emb := newTableEmbedder()
	c, folder := newTestCollection(t, emb)

	if _, err := c.AddTexts(ctx, []string{"cat", "unknown"}, []string{"a", "a"}); !errors.Is(err, embedding.ErrEncode) {
		t.Errorf("expected ErrEncode, got %v", err)
	}
	if c.Count() != 0 || Exists(folder) {
		t.Errorf("Count=%d Exists=%v", c.Count(), Exists(folder))
	}

	emb.short = true
	if _, err := c.AddTexts(ctx, []string{"cat", "dog"}, []string{"a", "a"}); err == nil {
		t.Error("expected an error for a short embedder batch")
	}
	if c.Count() != 0 {
		t.Errorf("Count=%d", c.Count())
	}
}

// blockMetadata puts a directory where the metadata file goes so the next save fails.
func blockMetadata(t *testing.T, folder string) string {
	t.Helper()
	metaPath := filepath.Join(folder, MetadataFileName)
	if err := os.RemoveAll(metaPath); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(metaPath, "blocker"), 0755); err != nil {
		t.Fatal(err)
	}
	return metaPath
}

func TestCollection_PersistFailureRollsBack(t *testing.T) {
	c, folder := newTestCollection(t, newTableEmbedder())
	mustAdd(t, c, []string{"cat"}, []string{"a"})
	blockMetadata(t, folder)

	if _, err := c.AddTexts(context.Background(), []string{"dog"}, []string{"b"}); err == nil {
		t.Fatal("expected the blocked save to fail")
	}
	if c.Count() != 1 || len(c.Records()) != 1 {
		t.Errorf("Count=%d Records=%d", c.Count(), len(c.Records()))
	}

	idx, _ := vector.NewMemoryIndex(0)
	if err := idx.Load(filepath.Join(folder, IndexFileName)); err != nil {
		t.Fatal(err)
	}
	if idx.Count() != 1 {
		t.Errorf("index file should be restored to the committed state, Count=%d", idx.Count())
	}
}

func TestCollection_FailedFirstBatchDoesNotFixDimension(t *testing.T) {
	c, folder := newTestCollection(t, newTableEmbedder())
	metaPath := blockMetadata(t, folder)

	if _, err := c.AddTexts(context.Background(), []string{"cat"}, []string{"a"}); err == nil {
		t.Fatal("expected the blocked save to fail")
	}
	if c.Count() != 0 || c.Dimensions() != 0 {
		t.Errorf("after failed first batch: Count=%d Dimensions=%d", c.Count(), c.Dimensions())
	}
	if _, err := os.Stat(filepath.Join(folder, IndexFileName)); !os.IsNotExist(err) {
		t.Errorf("index file should be removed, stat err=%v", err)
	}

	if err := os.RemoveAll(metaPath); err != nil {
		t.Fatal(err)
	}
	r := mustAdd(t, c, []string{"wide"}, []string{"b"})
	if r != (vector.OrdinalRange{Start: 0, End: 1}) || c.Dimensions() != 3 {
		t.Errorf("range=%+v Dimensions=%d", r, c.Dimensions())
	}
}

func TestOpen_States(t *testing.T) {
	emb := newTableEmbedder()

	t.Run("missing folder", func(t *testing.T) {
		if _, err := Open(filepath.Join(t.TempDir(), "nope"), emb); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("empty folder", func(t *testing.T) {
		if _, err := Open(t.TempDir(), emb); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	saved := func(t *testing.T) string {
		c, folder := newTestCollection(t, emb)
		mustAdd(t, c, []string{"cat", "dog"}, []string{"a", "b"})
		return folder
	}
	write := func(t *testing.T, path string, data []byte) {
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("metadata missing", func(t *testing.T) {
		folder := saved(t)
		if err := os.Remove(filepath.Join(folder, MetadataFileName)); err != nil {
			t.Fatal(err)
		}
		_, err := Open(folder, emb)
		if !errors.Is(err, ErrIncomplete) || !errors.Is(err, ErrCorrupt) || errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrIncomplete, got %v", err)
		}
	})

	t.Run("index missing", func(t *testing.T) {
		folder := saved(t)
		if err := os.Remove(filepath.Join(folder, IndexFileName)); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(folder, emb); !errors.Is(err, ErrIncomplete) {
			t.Errorf("expected ErrIncomplete, got %v", err)
		}
	})

	t.Run("metadata shorter than index", func(t *testing.T) {
		folder := saved(t)
		short := metadata.New()
		short.Append(metadata.Record{Text: "cat", Source: "a"})
		if err := short.Save(filepath.Join(folder, MetadataFileName)); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(folder, emb); !errors.Is(err, ErrIncomplete) {
			t.Errorf("expected ErrIncomplete, got %v", err)
		}
	})

	t.Run("metadata longer than index", func(t *testing.T) {
		folder := saved(t)
		long := metadata.New()
		long.Append(metadata.Record{Text: "a"}, metadata.Record{Text: "b"}, metadata.Record{Text: "c"})
		if err := long.Save(filepath.Join(folder, MetadataFileName)); err != nil {
			t.Fatal(err)
		}
		_, err := Open(folder, emb)
		if !errors.Is(err, ErrCorrupt) || errors.Is(err, ErrIncomplete) {
			t.Errorf("expected ErrCorrupt only, got %v", err)
		}
	})

	t.Run("index corrupt", func(t *testing.T) {
		folder := saved(t)
		write(t, filepath.Join(folder, IndexFileName), []byte("garbage"))
		_, err := Open(folder, emb)
		if !errors.Is(err, ErrCorrupt) || !errors.Is(err, vector.ErrIndexCorrupt) {
			t.Errorf("expected ErrIndexCorrupt, got %v", err)
		}
	})

	t.Run("metadata corrupt", func(t *testing.T) {
		folder := saved(t)
		write(t, filepath.Join(folder, MetadataFileName), []byte("{"))
		_, err := Open(folder, emb)
		if !errors.Is(err, ErrCorrupt) || !errors.Is(err, metadata.ErrMetadataCorrupt) {
			t.Errorf("expected ErrMetadataCorrupt, got %v", err)
		}
	})
}

func TestCollection_ConcurrentSearchAndAdd(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCollection(t, newTableEmbedder())
	mustAdd(t, c, []string{"cat"}, []string{"a"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = c.AddTexts(ctx, []string{"dog", "car"}, []string{"b", "c"})
		}()
		go func() {
			defer wg.Done()
			results, err := c.Search(ctx, "feline", 3)
			if err != nil || len(results) == 0 {
				t.Errorf("concurrent search: %d results, err=%v", len(results), err)
			}
		}()
	}
	wg.Wait()
	if c.Count() != 17 || len(c.Records()) != 17 {
		t.Errorf("Count=%d Records=%d", c.Count(), len(c.Records()))
	}
}
