package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

// countingEmbedder records how many texts reach it.
type countingEmbedder struct {
	inner *HashEmbedder
	calls int
	texts int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	c.texts++
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts += len(texts)
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int   { return c.inner.Dimensions() }
func (c *countingEmbedder) ModelName() string { return c.inner.ModelName() }
func (c *countingEmbedder) Close() error      { return nil }

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestHashEmbedder_deterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()
	a, err := e.Embed(ctx, "The quick brown fox")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.Embed(ctx, "the QUICK brown fox!")
	if len(a) != 64 {
		t.Fatalf("len=%d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same words should embed identically regardless of case and punctuation")
		}
	}
	if math.Abs(norm(a)-1) > 1e-5 {
		t.Errorf("norm=%f, want 1", norm(a))
	}
}

func TestHashEmbedder_sharedWordsAreCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "vector index persistence")
	near, _ := e.Embed(ctx, "the vector index is saved to disk")
	far, _ := e.Embed(ctx, "bananas grow in tropical climates")
	dist := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			d := float64(a[i] - b[i])
			s += d * d
		}
		return s
	}
	if dist(q, near) >= dist(q, far) {
		t.Errorf("expected overlapping text to be closer: near=%f far=%f", dist(q, near), dist(q, far))
	}
}

func TestHashEmbedder_emptyTextIsEncodeError(t *testing.T) {
	e := NewHashEmbedder(8)
	_, err := e.EmbedBatch(context.Background(), []string{"ok", "  \n "})
	var enc *EncodeError
	if !errors.As(err, &enc) {
		t.Fatalf("expected *EncodeError, got %v", err)
	}
	if enc.Index != 1 {
		t.Errorf("Index=%d, want 1", enc.Index)
	}
	if !errors.Is(err, ErrEncode) {
		t.Error("errors.Is(err, ErrEncode) should hold")
	}
}

func TestHashEmbedder_canceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHashEmbedder(8).Embed(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCachedEmbedder_batchOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(16)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	if _, err := c.Embed(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	vecs, err := c.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("len=%d", len(vecs))
	}
	if inner.texts != 3 {
		t.Errorf("inner saw %d texts, want 3 (alpha once, then beta and gamma)", inner.texts)
	}
	want, _ := NewHashEmbedder(16).Embed(ctx, "gamma")
	for i := range want {
		if vecs[2][i] != want[i] {
			t.Fatal("batch results must keep input order")
		}
	}
	if c.Len() != 3 {
		t.Errorf("cache len=%d", c.Len())
	}
}

func TestCachedEmbedder_evicts(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(8)}
	c := NewCachedEmbedder(inner, 2)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "a"} {
		if _, err := c.Embed(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if inner.texts != 4 {
		t.Errorf("a should have been evicted and recomputed; inner saw %d", inner.texts)
	}
}

func TestCachedEmbedder_remapsEncodeErrorIndex(t *testing.T) {
	c := NewCachedEmbedder(NewHashEmbedder(8), 10)
	ctx := context.Background()
	if _, err := c.Embed(ctx, "cached"); err != nil {
		t.Fatal(err)
	}
	_, err := c.EmbedBatch(ctx, []string{"cached", "fresh", ""})
	var enc *EncodeError
	if !errors.As(err, &enc) || enc.Index != 2 {
		t.Fatalf("expected EncodeError at index 2, got %v", err)
	}
}

func TestModelLoadError(t *testing.T) {
	err := error(&ModelLoadError{Model: "m", Err: errors.New("missing")})
	if !errors.Is(err, ErrModelLoad) {
		t.Error("errors.Is(err, ErrModelLoad) should hold")
	}
	if errors.Is(err, ErrEncode) {
		t.Error("model load error must not match ErrEncode")
	}
	if !strings.Contains(err.Error(), `"m"`) {
		t.Errorf("message should name the model: %s", err)
	}
}
