package embedding

import (
	"testing"
)

func TestSimpleTokenizer_Tokenize(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, attn, types := tok.Tokenize("Hello, world", 10)
	if len(ids) != 10 || len(attn) != 10 || len(types) != 10 {
		t.Fatalf("lengths: %d %d %d", len(ids), len(attn), len(types))
	}
	if ids[0] != tokenCLS {
		t.Errorf("expected CLS %d, got %d", tokenCLS, ids[0])
	}
	if ids[3] != tokenSEP {
		t.Errorf("expected SEP at 3, got %v", ids)
	}
	if attn[3] != 1 || attn[4] != 0 {
		t.Errorf("attention mask: %v", attn)
	}
	upper, _, _ := tok.Tokenize("HELLO", 10)
	if upper[1] != ids[1] {
		t.Error("tokenizer should be case-insensitive")
	}
}

func TestSimpleTokenizer_truncates(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, _, _ := tok.Tokenize("a b c d e f g h", 5)
	if ids[4] != tokenSEP {
		t.Errorf("last token should be SEP, got %v", ids)
	}
}

func TestSplitWords(t *testing.T) {
	words := SplitWords("  a, b.  c  ")
	if len(words) != 3 {
		t.Errorf("expected 3 words, got %v", words)
	}
	if len(SplitWords("")) != 0 {
		t.Error("empty string should return no words")
	}
}

func TestHashString(t *testing.T) {
	if HashString("abc") != HashString("abc") {
		t.Error("hash should be deterministic")
	}
	if HashString("abc") == HashString("abd") {
		t.Error("different strings should hash differently")
	}
	if HashString("anything") < 0 {
		t.Error("hash should be non-negative")
	}
}
