// Package tools exposes the corpus as a small set of model-callable
// tools: searching it and citing an exact chunk. Every call is timed
// and reported through a StatusSink so a caller streaming progress to a
// client can show what the model is doing without parsing its prose.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/store"
)

// StatusFrame reports one tool invocation's lifecycle to a listener.
type StatusFrame struct {
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// StatusSink receives a StatusFrame after each tool call completes. A
// nil sink is valid and simply discards frames.
type StatusSink func(StatusFrame)

// Tool is a single model-callable function.
type Tool interface {
	Definition() llm.Tool
	Execute(ctx context.Context, argumentsJSON string) (string, error)
}

// Set is the fixed collection of tools offered to a single AgentLoop
// run, scoped to one persona's collection.
type Set struct {
	tools map[string]Tool
	order []string
	sink  StatusSink
}

// NewSet builds the retrieval tool surface for collectionID: search_corpus
// (hybrid dense+lexical search) and cite (exact lookup of a chunk by id,
// for when the model wants the full text of something it already found).
func NewSet(index *store.VectorLexicalIndex, embedder *embed.Embedder, collectionID string, sink StatusSink) *Set {
	s := &Set{tools: make(map[string]Tool), sink: sink}
	s.register(&searchCorpusTool{index: index, embedder: embedder, collectionID: collectionID})
	s.register(&citeTool{index: index, collectionID: collectionID})
	return s
}

func (s *Set) register(t Tool) {
	name := t.Definition().Function.Name
	s.tools[name] = t
	s.order = append(s.order, name)
}

// Definitions returns the tool list in registration order, suitable for
// ChatRequest.Tools.
func (s *Set) Definitions() []llm.Tool {
	out := make([]llm.Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].Definition())
	}
	return out
}

// Execute dispatches a single tool call by name, timing it and emitting
// a StatusFrame regardless of outcome.
func (s *Set) Execute(ctx context.Context, name, argumentsJSON string) (string, error) {
	start := time.Now()
	t, ok := s.tools[name]
	if !ok {
		err := fmt.Errorf("unknown tool %q", name)
		s.emit(StatusFrame{ToolName: name, Arguments: argumentsJSON, Error: err.Error(), ElapsedMs: time.Since(start).Milliseconds()})
		return "", err
	}

	result, err := t.Execute(ctx, argumentsJSON)
	frame := StatusFrame{ToolName: name, Arguments: argumentsJSON, ElapsedMs: time.Since(start).Milliseconds()}
	if err != nil {
		frame.Error = err.Error()
	} else {
		frame.Result = result
	}
	s.emit(frame)
	return result, err
}

func (s *Set) emit(f StatusFrame) {
	if s.sink != nil {
		s.sink(f)
	}
}

// --- search_corpus ---

type searchCorpusTool struct {
	index        *store.VectorLexicalIndex
	embedder     *embed.Embedder
	collectionID string
}

func (t *searchCorpusTool) Definition() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        "search_corpus",
			Description: "Search the curated corpus for passages relevant to a query. Returns the top matching chunks with their source filename and a stable chunk_id for citation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Natural-language search query.",
					},
					"mode": map[string]any{
						"type":        "string",
						"enum":        []string{"content", "style", "hybrid"},
						"description": "content and hybrid (default) both run a blended dense+lexical search for meaning; style runs a dense-only search steered toward voice and craft features.",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"description": "Maximum number of chunks to return (default 8, max 80).",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// styleSteeringPrefix is prepended to the query text embedded for a
// style-mode search so dense retrieval leans toward voice and craft
// passages instead of subject matter.
const styleSteeringPrefix = "focus on stylistic features: "

type searchCorpusArgs struct {
	Query      string `json:"query"`
	Mode       string `json:"mode"`
	MaxResults int    `json:"max_results"`
}

type searchCorpusResultItem struct {
	ChunkID  string  `json:"chunk_id"`
	Text     string  `json:"text"`
	Filename string  `json:"source_filename"`
	Score    float64 `json:"score"`
	Mode     string  `json:"mode"`
}

func (t *searchCorpusTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	var args searchCorpusArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("query must not be empty")
	}
	mode := strings.ToLower(strings.TrimSpace(args.Mode))
	switch mode {
	case "":
		mode = "hybrid"
	case "content", "style", "hybrid":
	default:
		return "", fmt.Errorf("invalid mode %q: must be content, style, or hybrid", args.Mode)
	}
	k := args.MaxResults
	if k <= 0 {
		k = 8
	}
	if k > 80 {
		k = 80
	}

	embedQuery := args.Query
	if mode == "style" {
		embedQuery = styleSteeringPrefix + args.Query
	}
	vectors, err := t.embedder.Embed(ctx, []string{embedQuery})
	if err != nil {
		return "", fmt.Errorf("embedding query: %w", err)
	}

	var hits []store.RetrievalHit
	if mode == "style" {
		hits, err = t.index.SearchDense(ctx, t.collectionID, vectors[0], k)
	} else {
		hits, err = t.index.SearchHybrid(ctx, t.collectionID, args.Query, vectors[0], k)
	}
	if err == store.ErrIndexMissing {
		return marshalResults(nil, "index_missing")
	}
	if err != nil {
		return "", err
	}
	items := make([]searchCorpusResultItem, len(hits))
	for i, h := range hits {
		items[i] = searchCorpusResultItem{ChunkID: h.ChunkID, Text: h.Text, Filename: h.SourceFilename, Score: h.Score, Mode: mode}
	}
	return marshalResults(items, "")
}

func marshalResults(items []searchCorpusResultItem, signal string) (string, error) {
	payload := map[string]any{"results": items}
	if signal != "" {
		payload["signal"] = signal
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- cite ---

type citeTool struct {
	index        *store.VectorLexicalIndex
	collectionID string
}

func (t *citeTool) Definition() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        "cite",
			Description: "Fetch the exact text and source filename for a chunk_id previously returned by search_corpus, to quote it precisely in feedback.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"chunk_id": map[string]any{
						"type":        "string",
						"description": "The chunk_id to fetch, exactly as returned by search_corpus.",
					},
				},
				"required": []string{"chunk_id"},
			},
		},
	}
}

type citeArgs struct {
	ChunkID string `json:"chunk_id"`
}

func (t *citeTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	var args citeArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.ChunkID == "" {
		return "", fmt.Errorf("chunk_id must not be empty")
	}

	hit, err := t.index.GetChunk(ctx, t.collectionID, args.ChunkID)
	if err != nil {
		return "", err
	}
	if hit == nil {
		return "", fmt.Errorf("chunk_id %q not found in this corpus", args.ChunkID)
	}
	data, err := json.Marshal(hit)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
