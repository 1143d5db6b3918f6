// Package ingest parses, chunks, embeds, and indexes a batch of uploaded
// files into a persona's corpus, bounding how many files are processed
// concurrently so a large upload can't exhaust memory or overwhelm the
// embedding provider.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corpusvoice/anima/chunker"
	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/parser"
	"github.com/corpusvoice/anima/store"
)

// defaultConcurrency bounds how many files a single batch parses and
// embeds in parallel.
const defaultConcurrency = 8

// perFileTimeout caps how long one file's parse+chunk+embed pipeline may
// run before it is counted as a failure and the next file proceeds.
const perFileTimeout = 5 * time.Minute

// UploadedFile is one file staged on disk for ingestion.
type UploadedFile struct {
	Filename string
	Path     string // local filesystem path; CorpusIngestor does not own its lifecycle
}

// CorpusIngestor turns uploaded files into indexed, searchable chunks.
type CorpusIngestor struct {
	registry    *parser.Registry
	chunker     *chunker.Chunker
	embedder    *embed.Embedder
	index       *store.VectorLexicalIndex
	meta        *store.MetadataStore
	concurrency int
}

// New builds a CorpusIngestor. concurrency <= 0 falls back to a sane
// default.
func New(registry *parser.Registry, ck *chunker.Chunker, embedder *embed.Embedder, index *store.VectorLexicalIndex, meta *store.MetadataStore, concurrency int) *CorpusIngestor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &CorpusIngestor{
		registry:    registry,
		chunker:     ck,
		embedder:    embedder,
		index:       index,
		meta:        meta,
		concurrency: concurrency,
	}
}

// IngestBatch processes every file in files against personaID's
// collection. Each file succeeds or fails independently: one bad file
// never blocks the rest of the batch. The batch's outcomes are recorded
// under a new batch id and also returned directly.
func (ing *CorpusIngestor) IngestBatch(ctx context.Context, personaID, collectionID string, files []UploadedFile) (string, []store.IngestOutcome, error) {
	if len(files) == 0 {
		return "", nil, nil
	}
	if err := ing.index.Create(ctx, collectionID); err != nil {
		return "", nil, fmt.Errorf("anima: preparing collection: %w", err)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, ing.concurrency)
		outcomes = make([]store.IngestOutcome, len(files))
	)

	for i, f := range files {
		wg.Add(1)
		go func(i int, f UploadedFile) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				outcomes[i] = store.IngestOutcome{Filename: f.Filename, Status: store.DocStatusFailed, FailureReason: ctx.Err().Error()}
				mu.Unlock()
				return
			}

			fileCtx, cancel := context.WithTimeout(ctx, perFileTimeout)
			defer cancel()

			start := time.Now()
			outcome, err := ing.ingestOne(fileCtx, personaID, collectionID, f)
			if err != nil {
				slog.Warn("ingest: file failed", "filename", f.Filename, "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
			} else {
				slog.Info("ingest: file indexed", "filename", f.Filename, "document_id", outcome.DocumentID, "elapsed", time.Since(start).Round(time.Millisecond))
			}

			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
		}(i, f)
	}
	wg.Wait()

	batchID := uuid.NewString()
	if err := ing.meta.RecordIngestionBatch(ctx, batchID, personaID, outcomes); err != nil {
		return batchID, outcomes, fmt.Errorf("anima: recording ingestion batch: %w", err)
	}
	return batchID, outcomes, nil
}

func (ing *CorpusIngestor) ingestOne(ctx context.Context, personaID, collectionID string, f UploadedFile) (store.IngestOutcome, error) {
	documentID := uuid.NewString()
	outcome := store.IngestOutcome{DocumentID: documentID, Filename: f.Filename}

	info, statErr := os.Stat(f.Path)
	var byteLength int64
	if statErr == nil {
		byteLength = info.Size()
	}

	doc := store.Document{
		DocumentID: documentID,
		PersonaID:  personaID,
		Filename:   f.Filename,
		ByteLength: byteLength,
		Status:     store.DocStatusPending,
	}
	if err := ing.meta.UpsertDocument(ctx, doc); err != nil {
		return outcome, fmt.Errorf("recording document: %w", err)
	}

	p, err := ing.registry.ForFile(f.Filename)
	if err != nil {
		return ing.fail(ctx, outcome, doc, err)
	}

	result, err := p.Parse(ctx, f.Path)
	if err != nil {
		return ing.fail(ctx, outcome, doc, fmt.Errorf("parsing: %w", err))
	}

	text := parser.Flatten(result.Sections)
	if text == "" {
		return ing.fail(ctx, outcome, doc, fmt.Errorf("parsing: no extractable text"))
	}
	doc.Status = store.DocStatusParsed
	ing.meta.UpsertDocument(ctx, doc)

	chunks := ing.chunker.Chunk(text)
	if len(chunks) == 0 {
		return ing.fail(ctx, outcome, doc, fmt.Errorf("chunking: produced no chunks"))
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ing.embedder.Embed(ctx, texts)
	if err != nil {
		return ing.fail(ctx, outcome, doc, fmt.Errorf("embedding: %w", err))
	}

	records := make([]store.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ChunkRecord{
			ChunkID:        uuid.NewString(),
			DocumentID:     documentID,
			Ordinal:        c.Ordinal,
			Text:           c.Text,
			SourceFilename: f.Filename,
			CharStart:      c.CharStart,
			CharEnd:        c.CharEnd,
			Vector:         vectors[i],
		}
	}

	if err := ing.index.Upsert(ctx, collectionID, records); err != nil {
		return ing.fail(ctx, outcome, doc, fmt.Errorf("indexing: %w", err))
	}

	doc.Status = store.DocStatusIndexed
	doc.ChunkCount = len(records)
	if err := ing.meta.UpsertDocument(ctx, doc); err != nil {
		return outcome, fmt.Errorf("finalizing document: %w", err)
	}
	if err := ing.meta.IncrementPersonaCounters(ctx, personaID, 1, len(records)); err != nil {
		slog.Warn("ingest: counter update failed", "persona_id", personaID, "error", err)
	}

	outcome.Status = store.DocStatusIndexed
	return outcome, nil
}

func (ing *CorpusIngestor) fail(ctx context.Context, outcome store.IngestOutcome, doc store.Document, err error) (store.IngestOutcome, error) {
	doc.Status = store.DocStatusFailed
	doc.FailureReason = err.Error()
	ing.meta.UpsertDocument(ctx, doc)
	outcome.Status = store.DocStatusFailed
	outcome.FailureReason = err.Error()
	return outcome, err
}
