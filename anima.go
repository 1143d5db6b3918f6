// Package anima curates persona corpora and critiques drafts against
// them: a user uploads source documents that define a persona's voice
// and standards, and later submits a draft for structured, grounded
// feedback or a conversational chat turn in that persona's voice.
package anima

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/corpusvoice/anima/agent"
	"github.com/corpusvoice/anima/chat"
	"github.com/corpusvoice/anima/chunker"
	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/ingest"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/parser"
	"github.com/corpusvoice/anima/store"
	"github.com/corpusvoice/anima/tools"
)

// Engine is the top-level entry point: it owns the metadata store, the
// per-collection search index, and the LLM providers, and wires them
// into the ingest, agent, and chat subsystems on demand.
type Engine struct {
	cfg      Config
	meta     *store.MetadataStore
	index    *store.VectorLexicalIndex
	chatLLM  llm.Provider
	embedLLM llm.Provider
	embedder *embed.Embedder
	registry *parser.Registry
	chunker  *chunker.Chunker
	ingestor *ingest.CorpusIngestor
}

// New builds an Engine from cfg, opening (and if needed creating) the
// metadata database and the collections directory.
func New(cfg Config) (*Engine, error) {
	meta, err := store.OpenMetadataStore(cfg.resolveDBPath())
	if err != nil {
		return nil, err
	}

	chatLLM, err := llm.NewProvider(llm.Config(cfg.Chat))
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("anima: chat provider: %w", err)
	}
	embedLLM, err := llm.NewProvider(llm.Config(cfg.Embedding))
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("anima: embedding provider: %w", err)
	}

	index := store.NewVectorLexicalIndex(cfg.resolveCollectionsDir(), cfg.EmbeddingDim)
	embedder := embed.New(embedLLM, embed.Config{BatchSize: cfg.EmbedBatchSize, Dim: cfg.EmbeddingDim})
	registry := parser.NewRegistry()
	ck := chunker.New(chunker.Config{WindowChars: cfg.WindowChars, OverlapChars: cfg.OverlapChars})
	ingestor := ingest.New(registry, ck, embedder, index, meta, cfg.IngestConcurrency)

	return &Engine{
		cfg: cfg, meta: meta, index: index, chatLLM: chatLLM, embedLLM: embedLLM,
		embedder: embedder, registry: registry, chunker: ck, ingestor: ingestor,
	}, nil
}

// Close releases the engine's database connections.
func (e *Engine) Close() error {
	return e.meta.Close()
}

// --- persona lifecycle ---

// CreatePersona registers a new persona and provisions its (empty)
// collection partition.
func (e *Engine) CreatePersona(ctx context.Context, ownerID, name, description, modelID string) (*store.Persona, error) {
	if name == "" {
		return nil, NewError(KindValidationError, "name is required", nil)
	}
	p := store.Persona{
		PersonaID:    uuid.NewString(),
		OwnerID:      ownerID,
		Name:         name,
		Description:  description,
		ModelID:      modelID,
		CollectionID: uuid.NewString(),
	}
	if err := e.meta.CreatePersona(ctx, p); err != nil {
		return nil, fmt.Errorf("anima: creating persona: %w", err)
	}
	if err := e.index.Create(ctx, p.CollectionID); err != nil {
		return nil, fmt.Errorf("anima: provisioning collection: %w", err)
	}
	return e.meta.GetPersona(ctx, p.PersonaID)
}

// GetPersona fetches a persona by id, rejecting access by a different owner.
func (e *Engine) GetPersona(ctx context.Context, ownerID, personaID string) (*store.Persona, error) {
	p, err := e.meta.GetPersona(ctx, personaID)
	if err != nil {
		return nil, ErrPersonaNotFound
	}
	if p.OwnerID != ownerID {
		return nil, ErrNotAuthorized
	}
	return p, nil
}

// ListPersonas returns every persona owned by ownerID.
func (e *Engine) ListPersonas(ctx context.Context, ownerID string) ([]store.Persona, error) {
	return e.meta.ListPersonas(ctx, ownerID)
}

// UpdatePersona updates a persona's name, description, and model_id.
func (e *Engine) UpdatePersona(ctx context.Context, ownerID, personaID, name, description, modelID string) (*store.Persona, error) {
	if _, err := e.GetPersona(ctx, ownerID, personaID); err != nil {
		return nil, err
	}
	if err := e.meta.UpdatePersona(ctx, personaID, name, description, modelID); err != nil {
		return nil, err
	}
	return e.meta.GetPersona(ctx, personaID)
}

// DeletePersona removes a persona, its documents, and its collection
// partition. The collection is dropped before the metadata row so a
// crash mid-delete never leaves an orphaned partition referenced by a
// still-live persona.
func (e *Engine) DeletePersona(ctx context.Context, ownerID, personaID string) error {
	p, err := e.GetPersona(ctx, ownerID, personaID)
	if err != nil {
		return err
	}
	if err := e.index.DeleteCollection(ctx, p.CollectionID); err != nil {
		return fmt.Errorf("anima: deleting collection: %w", err)
	}
	return e.meta.DeletePersona(ctx, personaID)
}

// --- corpus ingestion ---

// IngestCorpus uploads files into personaID's collection.
func (e *Engine) IngestCorpus(ctx context.Context, ownerID, personaID string, files []ingest.UploadedFile) (string, []store.IngestOutcome, error) {
	p, err := e.GetPersona(ctx, ownerID, personaID)
	if err != nil {
		return "", nil, err
	}
	return e.ingestor.IngestBatch(ctx, personaID, p.CollectionID, files)
}

// DocumentListing groups one uploaded file with a preview of its
// indexed chunks, for display in a corpus browser.
type DocumentListing struct {
	Filename   string               `json:"filename"`
	ChunkCount int                  `json:"chunk_count"`
	Chunks     []store.ChunkPreview `json:"chunks"`
}

// ListDocumentFiles returns every document uploaded to a persona's
// corpus, each grouped with its ordinal-ordered chunk previews.
func (e *Engine) ListDocumentFiles(ctx context.Context, ownerID, personaID string) ([]DocumentListing, error) {
	p, err := e.GetPersona(ctx, ownerID, personaID)
	if err != nil {
		return nil, err
	}
	docs, err := e.meta.ListDocuments(ctx, personaID)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentListing, 0, len(docs))
	for _, d := range docs {
		chunks, err := e.index.ListChunksByDocument(ctx, p.CollectionID, d.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("anima: listing chunks for %s: %w", d.Filename, err)
		}
		out = append(out, DocumentListing{Filename: d.Filename, ChunkCount: d.ChunkCount, Chunks: chunks})
	}
	return out, nil
}

// DeleteDocument removes one document's chunks from the collection.
// Persona counters are not decremented here, and later ingestions only
// add to them, so after a deletion they still include the removed
// document and its chunks.
func (e *Engine) DeleteDocument(ctx context.Context, ownerID, personaID, documentID string) error {
	p, err := e.GetPersona(ctx, ownerID, personaID)
	if err != nil {
		return err
	}
	return e.index.DeleteDocument(ctx, p.CollectionID, documentID)
}

// --- analysis ---

// AnalyzeOptions configures a single Analyze call.
type AnalyzeOptions struct {
	IterationCap     int
	ToolCallSoftCap  int
	MaxFeedbackItems int
	StatusSink       tools.StatusSink
	Purpose          string
	Criteria         []string
	FeedbackHistory  []agent.FeedbackItem
}

// Analyze runs the bounded agent loop against draft, grounded in
// personaID's corpus, and returns structured feedback. A persona with
// no indexed corpus (chunk_count=0) still produces feedback: the agent
// runs with no tools offered, and every item's confidence is capped low
// and stripped of corpus sources, since nothing grounds it.
func (e *Engine) Analyze(ctx context.Context, ownerID, personaID, draft string, opts AnalyzeOptions) (*agent.Result, error) {
	p, err := e.GetPersona(ctx, ownerID, personaID)
	if err != nil {
		return nil, err
	}
	if draft == "" {
		return nil, ErrEmptyDraft
	}

	noCorpus := !p.CorpusAvailable
	if noCorpus && opts.StatusSink != nil {
		opts.StatusSink(tools.StatusFrame{Result: "no corpus indexed"})
	}

	toolSet := tools.NewSet(e.index, e.embedder, p.CollectionID, opts.StatusSink)
	loop := agent.New(e.chatLLM, toolSet, e.index, p.CollectionID, agent.Config{
		IterationCap:     firstNonZero(opts.IterationCap, e.cfg.IterationCap),
		ToolCallSoftCap:  firstNonZero(opts.ToolCallSoftCap, e.cfg.ToolCallSoftCap),
		MaxFeedbackItems: firstNonZero(opts.MaxFeedbackItems, e.cfg.MaxFeedbackItems),
		ToolTimeout:      e.cfg.ToolTimeout,
		RequestTimeout:   e.cfg.RequestTimeout,
		DisableTools:     noCorpus,
	})
	runCtx := &agent.RunContext{Purpose: opts.Purpose, Criteria: opts.Criteria, FeedbackHistory: opts.FeedbackHistory}
	result, err := loop.Run(ctx, personaSystemPrompt(p), draft, runCtx)
	if err != nil {
		return nil, err
	}
	if noCorpus {
		for i := range result.Items {
			if result.Items[i].Confidence > 0.3 {
				result.Items[i].Confidence = 0.3
			}
			result.Items[i].Sources = nil
		}
	}
	return result, nil
}

// ModelInfo describes one chat model a persona may be assigned,
// catalogued across the providers listed by ListModels.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
}

// ListModels returns the catalogue of chat models available for
// persona assignment. This is a static catalogue of flagship models
// from groq, openai, gemini and xai only, not a live query against each
// provider; models of the other supported providers are not listed.
func (e *Engine) ListModels() []ModelInfo {
	return []ModelInfo{
		{ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B Versatile", Provider: "groq", Description: "Fast Groq-hosted open model, a good low-latency default."},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai", Description: "Compact OpenAI chat model."},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "gemini", Description: "Fast, cost-effective Gemini model."},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "gemini", Description: "Highest-capability Gemini model, for deeper critique."},
		{ID: "grok-2-latest", Name: "Grok 2", Provider: "xai", Description: "xAI's Grok chat model, OpenAI-compatible."},
	}
}

// VerifyCredential checks an owner id and api key pair under
// auth-required mode, registering the key's hash on first use.
func (e *Engine) VerifyCredential(ctx context.Context, ownerID, apiKey string) error {
	return e.meta.VerifyOwnerCredential(ctx, ownerID, apiKey)
}

// --- chat ---

// ChatTurn answers the latest turn in history in personaID's voice,
// streaming tokens to onFrame.
func (e *Engine) ChatTurn(ctx context.Context, ownerID, personaID string, history []chat.Turn, onFrame func(chat.Frame)) error {
	p, err := e.GetPersona(ctx, ownerID, personaID)
	if err != nil {
		return err
	}
	runtime := chat.New(e.chatLLM, e.embedder, e.index, 6)
	return runtime.Reply(ctx, personaSystemPrompt(p), p.CollectionID, history, onFrame)
}

func personaSystemPrompt(p *store.Persona) string {
	prompt := fmt.Sprintf("You are %s, a writing critique persona. ", p.Name)
	if p.Description != "" {
		prompt += p.Description + " "
	}
	prompt += "Ground every claim in the curated corpus available to you through search_corpus and cite; never fabricate a source."
	return prompt
}

func firstNonZero(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

// MapAgentError translates an agent/store/engine-layer error into the
// external error taxonomy. Handlers call this once, at the API
// boundary, rather than each call site re-deriving the kind.
func MapAgentError(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.As(err, new(*Error)):
		var e *Error
		errors.As(err, &e)
		return e
	case errors.Is(err, ErrPersonaNotFound), errors.Is(err, ErrDocumentNotFound):
		return NewError(KindNotFound, err.Error(), nil)
	case errors.Is(err, ErrNotAuthorized):
		return NewError(KindNotAuthorized, err.Error(), nil)
	case errors.Is(err, ErrUnsupportedFormat):
		return NewError(KindUnsupportedFmt, err.Error(), nil)
	case errors.Is(err, ErrParsingFailed):
		return NewError(KindParseFailure, err.Error(), nil)
	case errors.Is(err, ErrEmbeddingFailed):
		return NewError(KindEmbeddingFailure, err.Error(), nil)
	case errors.Is(err, ErrIndexUnavailable):
		return NewError(KindIndexUnavailable, err.Error(), nil)
	case errors.Is(err, ErrEmptyDraft):
		return NewError(KindValidationError, err.Error(), nil)
	case errors.Is(err, agent.ErrToolExhaustion):
		return NewError(KindToolExhaustion, err.Error(), nil)
	case errors.Is(err, agent.ErrIterationCap):
		return NewError(KindIterationCap, err.Error(), nil)
	case errors.Is(err, agent.ErrValidationFailed):
		return NewError(KindValidationError, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindModelTimeout, err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return NewError(KindCanceled, err.Error(), nil)
	default:
		return NewError(KindParseFailure, err.Error(), nil)
	}
}
