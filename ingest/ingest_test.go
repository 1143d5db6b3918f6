package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/corpusvoice/anima/chunker"
	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/parser"
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

func newTestIngestor(t *testing.T) (*CorpusIngestor, *store.MetadataStore) {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.OpenMetadataStore(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	index := store.NewVectorLexicalIndex(filepath.Join(dir, "collections"), 3)
	embedder := embed.New(fakeProvider{}, embed.Config{Dim: 3})
	ck := chunker.New(chunker.Config{WindowChars: 200, OverlapChars: 20})
	registry := parser.NewRegistry()

	return New(registry, ck, embedder, index, meta, 4), meta
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestIngestBatchIndexesPlainText(t *testing.T) {
	ing, meta := newTestIngestor(t)
	ctx := context.Background()

	if err := meta.CreatePersona(ctx, store.Persona{PersonaID: "p1", OwnerID: "owner", Name: "Test Persona", CollectionID: "col-1"}); err != nil {
		t.Fatalf("create persona: %v", err)
	}

	text := "This persona prefers short, punchy sentences. It avoids jargon and never uses the passive voice."
	path := writeTempFile(t, "style.txt", text)

	batchID, outcomes, err := ing.IngestBatch(ctx, "p1", "col-1", []UploadedFile{{Filename: "style.txt", Path: path}})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if batchID == "" {
		t.Fatal("expected a non-empty batch id")
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].Status != store.DocStatusIndexed {
		t.Fatalf("got status %q, want %q (failure: %s)", outcomes[0].Status, store.DocStatusIndexed, outcomes[0].FailureReason)
	}

	persona, err := meta.GetPersona(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if persona.DocumentCount != 1 || persona.ChunkCount == 0 {
		t.Fatalf("got persona %+v, want document_count=1 and chunk_count>0", persona)
	}
	if !persona.CorpusAvailable {
		t.Fatal("expected CorpusAvailable once a document has indexed chunks")
	}
}

func TestIngestBatchFailsUnsupportedFormat(t *testing.T) {
	ing, meta := newTestIngestor(t)
	ctx := context.Background()

	if err := meta.CreatePersona(ctx, store.Persona{PersonaID: "p2", OwnerID: "owner", Name: "Test Persona", CollectionID: "col-2"}); err != nil {
		t.Fatalf("create persona: %v", err)
	}

	path := writeTempFile(t, "notes.xyz", "irrelevant content")

	_, outcomes, err := ing.IngestBatch(ctx, "p2", "col-2", []UploadedFile{{Filename: "notes.xyz", Path: path}})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].Status != store.DocStatusFailed {
		t.Fatalf("got status %q, want %q", outcomes[0].Status, store.DocStatusFailed)
	}
	if outcomes[0].FailureReason == "" {
		t.Fatal("expected a failure reason for an unsupported format")
	}
}

func TestIngestBatchEmptyFileListIsNoop(t *testing.T) {
	ing, _ := newTestIngestor(t)
	batchID, outcomes, err := ing.IngestBatch(context.Background(), "p3", "col-3", nil)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if batchID != "" || outcomes != nil {
		t.Fatalf("got batchID=%q outcomes=%v, want empty", batchID, outcomes)
	}
}

func TestIngestBatchPartialFailureDoesNotBlockOthers(t *testing.T) {
	ing, meta := newTestIngestor(t)
	ctx := context.Background()

	if err := meta.CreatePersona(ctx, store.Persona{PersonaID: "p4", OwnerID: "owner", Name: "Test Persona", CollectionID: "col-4"}); err != nil {
		t.Fatalf("create persona: %v", err)
	}

	goodPath := writeTempFile(t, "good.txt", "A complete sentence about writing style and voice.")
	badPath := writeTempFile(t, "bad.xyz", "irrelevant")

	_, outcomes, err := ing.IngestBatch(ctx, "p4", "col-4", []UploadedFile{
		{Filename: "good.txt", Path: goodPath},
		{Filename: "bad.xyz", Path: badPath},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}

	var sawIndexed, sawFailed bool
	for _, o := range outcomes {
		switch o.Status {
		case store.DocStatusIndexed:
			sawIndexed = true
		case store.DocStatusFailed:
			sawFailed = true
		}
	}
	if !sawIndexed || !sawFailed {
		t.Fatalf("got outcomes %+v, want one indexed and one failed", outcomes)
	}
}
