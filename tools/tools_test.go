package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/store"
)

type fakeProvider struct{}

func (fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "unused"}, nil
}

func (fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func newTestSet(t *testing.T) (*Set, string) {
	t.Helper()
	index := store.NewVectorLexicalIndex(t.TempDir(), 3)
	collectionID := "test-collection"
	if err := index.Create(context.Background(), collectionID); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	err := index.Upsert(context.Background(), collectionID, []store.ChunkRecord{
		{ChunkID: "c1", DocumentID: "d1", Ordinal: 0, Text: "the persona prefers short sentences", SourceFilename: "style.txt", Vector: []float32{0.1, 0.2, 0.3}},
		{ChunkID: "c2", DocumentID: "d1", Ordinal: 1, Text: "avoid passive voice in the opening paragraph", SourceFilename: "style.txt", Vector: []float32{0.1, 0.2, 0.3}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	embedder := embed.New(fakeProvider{}, embed.Config{Dim: 3})
	return NewSet(index, embedder, collectionID, nil), collectionID
}

func TestSearchCorpusFindsUpsertedChunk(t *testing.T) {
	set, _ := newTestSet(t)
	result, err := set.Execute(context.Background(), "search_corpus", `{"query":"passive voice"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result, "c2") && !strings.Contains(result, "c1") {
		t.Fatalf("expected a known chunk_id in results, got %s", result)
	}
}

func TestSearchCorpusStyleModeUsesDenseSearch(t *testing.T) {
	set, _ := newTestSet(t)
	result, err := set.Execute(context.Background(), "search_corpus", `{"query":"voice", "mode":"style"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result, `"mode":"style"`) {
		t.Fatalf("expected result items tagged with mode style, got %s", result)
	}
}

func TestSearchCorpusRejectsInvalidMode(t *testing.T) {
	set, _ := newTestSet(t)
	if _, err := set.Execute(context.Background(), "search_corpus", `{"query":"voice", "mode":"nonsense"}`); err == nil {
		t.Fatal("expected an error for an invalid mode")
	}
}

func TestSearchCorpusRejectsEmptyQuery(t *testing.T) {
	set, _ := newTestSet(t)
	if _, err := set.Execute(context.Background(), "search_corpus", `{"query":""}`); err == nil {
		t.Fatal("expected an error for an empty query")
	}
}

func TestCiteFetchesExactChunk(t *testing.T) {
	set, _ := newTestSet(t)
	raw, err := set.Execute(context.Background(), "cite", `{"chunk_id":"c1"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var hit store.RetrievalHit
	if err := json.Unmarshal([]byte(raw), &hit); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hit.ChunkID != "c1" || hit.SourceFilename != "style.txt" {
		t.Fatalf("got %+v", hit)
	}
}

func TestCiteUnknownChunkIDFails(t *testing.T) {
	set, _ := newTestSet(t)
	if _, err := set.Execute(context.Background(), "cite", `{"chunk_id":"does-not-exist"}`); err == nil {
		t.Fatal("expected an error for an unknown chunk_id")
	}
}

func TestExecuteUnknownToolFails(t *testing.T) {
	set, _ := newTestSet(t)
	if _, err := set.Execute(context.Background(), "not_a_real_tool", `{}`); err == nil {
		t.Fatal("expected an error for an unregistered tool name")
	}
}

func TestDefinitionsIncludesBothTools(t *testing.T) {
	set, _ := newTestSet(t)
	defs := set.Definitions()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Function.Name] = true
	}
	if !names["search_corpus"] || !names["cite"] {
		t.Fatalf("got %+v", names)
	}
}

func TestStatusSinkReceivesEveryCall(t *testing.T) {
	index := store.NewVectorLexicalIndex(t.TempDir(), 3)
	collectionID := "test-collection"
	var frames []StatusFrame
	embedder := embed.New(fakeProvider{}, embed.Config{Dim: 3})
	set := NewSet(index, embedder, collectionID, func(f StatusFrame) { frames = append(frames, f) })

	set.Execute(context.Background(), "cite", `{"chunk_id":"missing"}`)
	if len(frames) != 1 {
		t.Fatalf("got %d status frames, want 1", len(frames))
	}
	if frames[0].Error == "" {
		t.Fatal("expected the failed call to report an error in its status frame")
	}
}
