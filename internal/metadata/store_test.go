package metadata

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStore_AppendGet(t *testing.T) {
	s := New()
	if start := s.Append(Record{Text: "a", Source: "x"}, Record{Text: "b", Source: "y"}); start != 0 {
		t.Errorf("start=%d", start)
	}
	if start := s.Append(Record{Text: "c", Source: "z"}); start != 2 {
		t.Errorf("start=%d", start)
	}
	if s.Len() != 3 {
		t.Fatalf("Len=%d", s.Len())
	}
	r, err := s.Get(1)
	if err != nil || r.Text != "b" || r.Source != "y" {
		t.Errorf("Get(1)=%+v %v", r, err)
	}
	for _, ord := range []int{-1, 3} {
		_, err := s.Get(ord)
		var oor *OutOfRangeError
		if !errors.As(err, &oor) {
			t.Errorf("Get(%d): expected OutOfRangeError, got %v", ord, err)
		}
	}
}

func TestStore_Truncate(t *testing.T) {
	s := New()
	s.Append(Record{Text: "a"}, Record{Text: "b"})
	if err := s.Truncate(1); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Errorf("Len=%d", s.Len())
	}
	if err := s.Truncate(2); err == nil {
		t.Error("truncate beyond length should fail")
	}
}

func TestStore_SaveLoadByteExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c", "metadata.json")
	s := New()
	s.Append(
		Record{Text: "plain", Source: "doc.pdf"},
		Record{Text: "ünïcødé 日本語 <b>&</b>", Source: "https://example.com/a?b=1&c=2"},
		Record{Text: "tabs\tand\nnewlines\r\n\"quotes\" \\ \x00\x01", Source: ""},
		Record{Text: "", Source: "empty-text"},
	)
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "日本語 <b>&</b>") {
		t.Errorf("file should keep non-ASCII and HTML characters unescaped:\n%s", raw)
	}

	loaded := New()
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	want, got := s.Records(), loaded.Records()
	if len(want) != len(got) {
		t.Fatalf("len %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("record %d: %q vs %q", i, want[i], got[i])
		}
	}

	// Saving what was loaded reproduces the file.
	again, _ := loaded.Marshal()
	if !bytes.Equal(raw, again) {
		t.Error("re-encoded metadata differs from saved file")
	}
}

func TestStore_SaveEmptyIsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	if err := New().Save(path); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Errorf("empty store saved as %q", raw)
	}
}

func TestStore_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	s := New()
	s.Append(Record{Text: "keep"})

	if err := s.Load(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrMetadataNotFound) {
		t.Errorf("expected ErrMetadataNotFound, got %v", err)
	}
	for name, content := range map[string]string{
		"garbage": "{not json",
		"object":  `{"text":"a"}`,
		"null":    "null",
	} {
		p := filepath.Join(dir, name+".json")
		_ = os.WriteFile(p, []byte(content), 0644)
		if err := s.Load(p); !errors.Is(err, ErrMetadataCorrupt) {
			t.Errorf("%s: expected ErrMetadataCorrupt, got %v", name, err)
		}
	}
	if s.Len() != 1 {
		t.Error("failed load must leave the store unchanged")
	}
}
