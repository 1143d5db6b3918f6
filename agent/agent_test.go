package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/store"
	"github.com/corpusvoice/anima/tools"
)

func TestParseFeedbackItemsDirectJSON(t *testing.T) {
	raw := `{"feedback_items": [{"type": "issue", "category": "clarity", "severity": "low", "summary": "the opening buries the claim", "confidence": 0.8, "source_chunk_ids": ["c1"]}]}`
	items, err := parseFeedbackItems(raw)
	if err != nil {
		t.Fatalf("parseFeedbackItems: %v", err)
	}
	if len(items) != 1 || items[0].Summary != "the opening buries the claim" {
		t.Fatalf("got %+v", items)
	}
	if items[0].Type != FeedbackIssue {
		t.Fatalf("got type %q, want %q", items[0].Type, FeedbackIssue)
	}
	if items[0].Severity != SeverityLow {
		t.Fatalf("got severity %q, want %q", items[0].Severity, SeverityLow)
	}
}

func TestParseFeedbackItemsNormalizesUnknownTypeAndSeverity(t *testing.T) {
	raw := `{"feedback_items": [{"type": "nonsense", "severity": "critical", "summary": "note", "confidence": 0.5}]}`
	items, err := parseFeedbackItems(raw)
	if err != nil {
		t.Fatalf("parseFeedbackItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Type != FeedbackIssue {
		t.Fatalf("got type %q, want default %q", items[0].Type, FeedbackIssue)
	}
	if items[0].Severity != SeverityMedium {
		t.Fatalf("got severity %q, want default %q", items[0].Severity, SeverityMedium)
	}
}

func TestParseFeedbackItemsStripsCodeFence(t *testing.T) {
	raw := "```json\n" + `{"feedback_items": [{"summary": "tighten paragraph 2", "confidence": 0.5}]}` + "\n```"
	items, err := parseFeedbackItems(raw)
	if err != nil {
		t.Fatalf("parseFeedbackItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
}

func TestParseFeedbackItemsSurroundedByProse(t *testing.T) {
	raw := `Sure, here is my feedback:
{"feedback_items": [{"summary": "the metaphor in the third paragraph doesn't land", "confidence": 0.6}]}
Let me know if you want more detail.`
	items, err := parseFeedbackItems(raw)
	if err != nil {
		t.Fatalf("parseFeedbackItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
}

func TestParseFeedbackItemsBareArray(t *testing.T) {
	raw := `[{"summary": "dialogue tag overuse in chapter 2", "confidence": 0.4}]`
	items, err := parseFeedbackItems(raw)
	if err != nil {
		t.Fatalf("parseFeedbackItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
}

func TestParseFeedbackItemsNoJSON(t *testing.T) {
	if _, err := parseFeedbackItems("I don't have any feedback for you."); err == nil {
		t.Fatal("expected an error when no JSON is present")
	}
}

func TestParseFeedbackItemsDropsEmptySummary(t *testing.T) {
	raw := `{"feedback_items": [{"summary": "", "confidence": 0.9}, {"summary": "real note", "confidence": 0.3}]}`
	items, err := parseFeedbackItems(raw)
	if err != nil {
		t.Fatalf("parseFeedbackItems: %v", err)
	}
	if len(items) != 1 || items[0].Summary != "real note" {
		t.Fatalf("got %+v", items)
	}
}

func TestFindBalancedObjectIgnoresBracesInStrings(t *testing.T) {
	raw := `noise {"a": "value with } inside", "b": {"nested": true}} trailing`
	obj, ok := findBalancedObject(raw)
	if !ok {
		t.Fatal("expected to find a balanced object")
	}
	want := `{"a": "value with } inside", "b": {"nested": true}}`
	if obj != want {
		t.Fatalf("got %q, want %q", obj, want)
	}
}

func TestClamp01(t *testing.T) {
	cases := map[float64]float64{-1: 0, 0.5: 0.5, 2: 1}
	for in, want := range cases {
		if got := clamp01(in); got != want {
			t.Errorf("clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}

// --- Loop.Run state machine ---

// scriptedChatProvider replays a fixed sequence of ChatResponses, one
// per call, clamping to the last once the script runs out. It records
// how many tools each request was offered so a test can assert on
// whether DisableTools actually withheld them.
type scriptedChatProvider struct {
	responses []llm.ChatResponse
	calls     int
	seenTools []int
}

func (p *scriptedChatProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.seenTools = append(p.seenTools, len(req.Tools))
	i := p.calls
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	p.calls++
	resp := p.responses[i]
	return &resp, nil
}

func (p *scriptedChatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("scriptedChatProvider: Embed not supported")
}

// fakeEmbedProvider backs the real tools.Set's embedder with a fixed
// vector, so search_corpus can run against a real temp-dir index
// without a live embedding model.
type fakeEmbedProvider struct{}

func (fakeEmbedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("fakeEmbedProvider: Chat not supported")
}

func (fakeEmbedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

// buildTestLoop wires a real tools.Set over a temp-dir index seeded
// with one chunk, so scripted tool calls against search_corpus/cite
// actually execute instead of being mocked away.
func buildTestLoop(t *testing.T, chat llm.Provider, cfg Config) *Loop {
	t.Helper()
	index := store.NewVectorLexicalIndex(t.TempDir(), 3)
	collectionID := "test-collection"
	if err := index.Create(context.Background(), collectionID); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	err := index.Upsert(context.Background(), collectionID, []store.ChunkRecord{
		{ChunkID: "c1", DocumentID: "d1", Ordinal: 0, Text: "the persona favors active voice and short paragraphs", SourceFilename: "voice.txt", Vector: []float32{0.1, 0.2, 0.3}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	embedder := embed.New(fakeEmbedProvider{}, embed.Config{Dim: 3})
	toolSet := tools.NewSet(index, embedder, collectionID, nil)
	return New(chat, toolSet, index, collectionID, cfg)
}

const validFinalAnswer = `{"feedback_items": [{"type": "issue", "category": "clarity", "severity": "low", "summary": "tighten the opening", "confidence": 0.9, "source_chunk_ids": ["c1"]}]}`

func searchToolCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "search_corpus", Arguments: `{"query":"voice"}`}
}

func failingCiteToolCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "cite", Arguments: `{"chunk_id":"does-not-exist"}`}
}

func TestLoopRunEnforcesToolCallSoftCap(t *testing.T) {
	fake := &scriptedChatProvider{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{searchToolCall("1")}},
		{ToolCalls: []llm.ToolCall{searchToolCall("2")}},
		{ToolCalls: []llm.ToolCall{searchToolCall("3")}},
		{ToolCalls: []llm.ToolCall{searchToolCall("4")}},
		{ToolCalls: []llm.ToolCall{searchToolCall("5")}},
		{Content: validFinalAnswer},
	}}
	loop := buildTestLoop(t, fake, Config{IterationCap: 10, ToolCallSoftCap: 3})
	result, err := loop.Run(context.Background(), "voice prompt", "a draft", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ToolCalls != 3 {
		t.Fatalf("got %d tool calls, want soft cap of 3", result.ToolCalls)
	}
	if len(result.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(result.Items))
	}
}

func TestLoopRunIterationCapReturnsErrIterationCap(t *testing.T) {
	fake := &scriptedChatProvider{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{searchToolCall("1")}},
	}}
	loop := buildTestLoop(t, fake, Config{IterationCap: 3, ToolCallSoftCap: 10})
	_, err := loop.Run(context.Background(), "voice prompt", "a draft", nil)
	if err != ErrIterationCap {
		t.Fatalf("got err %v, want ErrIterationCap", err)
	}
}

func TestLoopRunToolExhaustionAfterThreeConsecutiveFailures(t *testing.T) {
	fake := &scriptedChatProvider{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{failingCiteToolCall("1")}},
	}}
	loop := buildTestLoop(t, fake, Config{IterationCap: 10, ToolCallSoftCap: 10})
	_, err := loop.Run(context.Background(), "voice prompt", "a draft", nil)
	if err != ErrToolExhaustion {
		t.Fatalf("got err %v, want ErrToolExhaustion", err)
	}
}

func TestLoopRunMarksPartialWhenFinalizingOnTheLastIteration(t *testing.T) {
	fake := &scriptedChatProvider{responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{searchToolCall("1")}},
		{Content: validFinalAnswer},
	}}
	loop := buildTestLoop(t, fake, Config{IterationCap: 2, ToolCallSoftCap: 10})
	result, err := loop.Run(context.Background(), "voice prompt", "a draft", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Partial {
		t.Fatal("expected Partial=true when finalizing on the last allowed iteration")
	}
	if len(result.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(result.Items))
	}
}

func TestLoopRunDisableToolsNeverOffersToolsToModel(t *testing.T) {
	fake := &scriptedChatProvider{responses: []llm.ChatResponse{
		{Content: `{"feedback_items": [{"type": "issue", "category": "clarity", "severity": "low", "summary": "general note, no corpus available", "confidence": 0.9}]}`},
	}}
	loop := buildTestLoop(t, fake, Config{IterationCap: 3, ToolCallSoftCap: 10, DisableTools: true})
	result, err := loop.Run(context.Background(), "voice prompt", "a draft", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fake.seenTools) != 1 || fake.seenTools[0] != 0 {
		t.Fatalf("got seenTools %v, want a single call offering zero tools", fake.seenTools)
	}
	if len(result.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(result.Items))
	}
}

func TestLoopRunRejectsEmptyDraft(t *testing.T) {
	fake := &scriptedChatProvider{responses: []llm.ChatResponse{{Content: validFinalAnswer}}}
	loop := buildTestLoop(t, fake, Config{})
	if _, err := loop.Run(context.Background(), "voice prompt", "   ", nil); err == nil {
		t.Fatal("expected an error for an empty draft")
	}
}

func TestLoopRunFoldsRunContextIntoUserMessage(t *testing.T) {
	rc := &RunContext{
		Purpose:  "pre-submission polish",
		Criteria: []string{"clarity", "pacing"},
		FeedbackHistory: []FeedbackItem{
			{Type: FeedbackIssue, Category: "clarity", Severity: SeverityLow, Summary: "earlier note"},
		},
	}
	msg := buildUserMessage("the draft text", rc)
	if msg == "the draft text" {
		t.Fatal("expected the context to be folded into the user message")
	}
	for _, want := range []string{"the draft text", "pre-submission polish", "clarity, pacing", "earlier note"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestBuildUserMessageLeavesDraftAloneWhenContextEmpty(t *testing.T) {
	if got := buildUserMessage("the draft text", nil); got != "the draft text" {
		t.Fatalf("got %q, want unchanged draft", got)
	}
	if got := buildUserMessage("the draft text", &RunContext{}); got != "the draft text" {
		t.Fatalf("got %q, want unchanged draft for an empty RunContext", got)
	}
}
