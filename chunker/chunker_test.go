package chunker

import (
	"strings"
	"testing"
	"unicode"
)

func TestChunkCoverage(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 200)
	c := New(Config{WindowChars: 800, OverlapChars: 100})
	chunks := c.Chunk(text)

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	runes := []rune(text)
	if chunks[0].CharStart != 0 {
		t.Fatalf("first chunk must start at 0, got %d", chunks[0].CharStart)
	}
	if got := chunks[len(chunks)-1].CharEnd; got != len(runes) {
		t.Fatalf("last chunk must end at len(text)=%d, got %d", len(runes), got)
	}
	for i, ch := range chunks {
		if ch.Text == "" {
			t.Fatalf("chunk %d has empty text", i)
		}
		if ch.Ordinal != i {
			t.Fatalf("chunk %d has ordinal %d, want %d", i, ch.Ordinal, i)
		}
		want := string(runes[ch.CharStart:ch.CharEnd])
		if ch.Text != want {
			t.Fatalf("chunk %d text mismatch: got %q want %q", i, ch.Text, want)
		}
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].CharStart > chunks[i-1].CharEnd {
			t.Fatalf("gap between chunk %d and %d: %d > %d", i-1, i, chunks[i].CharStart, chunks[i-1].CharEnd)
		}
	}
}

func TestChunkOverlapAmount(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	c := New(Config{WindowChars: 800, OverlapChars: 100})
	chunks := c.Chunk(text)

	if len(chunks) < 3 {
		t.Fatalf("need several chunks to test overlap, got %d", len(chunks))
	}
	// Interior chunks (not touching the hard-cap-extension tail) should
	// overlap by exactly OverlapChars.
	for i := 1; i < len(chunks)-1; i++ {
		overlap := chunks[i-1].CharEnd - chunks[i].CharStart
		if overlap < 0 {
			t.Fatalf("chunk %d has negative overlap with %d", i, i-1)
		}
		if overlap != 100 {
			t.Fatalf("chunk %d overlaps chunk %d by %d chars, want 100", i, i-1, overlap)
		}
	}
}

func TestChunkMidWordTieBreak(t *testing.T) {
	// Construct text whose natural 10-char window lands mid-word, forcing
	// an extension to the next whitespace.
	text := "abcdefghijklmnopqrstuvwxyz ABCDEFGHIJ"
	c := New(Config{WindowChars: 10, OverlapChars: 2})
	chunks := c.Chunk(text)

	for _, ch := range chunks {
		if ch.CharEnd >= len(text) {
			continue
		}
		if !unicode.IsSpace(rune(text[ch.CharEnd-1])) && !unicode.IsSpace(rune(text[ch.CharEnd])) {
			// Allowed only if the hard cap (12 chars) was hit first.
			if ch.CharEnd-ch.CharStart < 12 {
				t.Fatalf("chunk %+v split mid-word without hitting the hard cap", ch)
			}
		}
	}
}

func TestChunkEmptyText(t *testing.T) {
	c := New(Config{})
	if chunks := c.Chunk(""); len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty text, got %d", len(chunks))
	}
}

func TestChunkShortText(t *testing.T) {
	c := New(Config{WindowChars: 800, OverlapChars: 100})
	text := "a short document."
	chunks := c.Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk for short text, got %d", len(chunks))
	}
	if chunks[0].Text != text {
		t.Fatalf("chunk text mismatch: got %q want %q", chunks[0].Text, text)
	}
}

func TestChunkSeqRestartable(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 100)
	c := New(Config{WindowChars: 200, OverlapChars: 20})

	var first, second []Chunk
	for ch := range c.Seq(text) {
		first = append(first, ch)
	}
	for ch := range c.Seq(text) {
		second = append(second, ch)
	}
	if len(first) != len(second) {
		t.Fatalf("two independent Seq ranges produced different lengths: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("chunk %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestChunkUnicodeOffsets(t *testing.T) {
	text := "héllo wörld, ça va? 日本語のテキストです。 more words here to pad this out nicely."
	c := New(Config{WindowChars: 15, OverlapChars: 3})
	chunks := c.Chunk(text)
	runes := []rune(text)
	for _, ch := range chunks {
		want := string(runes[ch.CharStart:ch.CharEnd])
		if ch.Text != want {
			t.Fatalf("unicode offset mismatch: got %q want %q", ch.Text, want)
		}
	}
}
