package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/store"
)

type fakeProvider struct {
	content string
}

func (f fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: f.content, Model: "fake-model", TotalTokens: 42}, nil
}

func (fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func newTestRuntime(t *testing.T, reply string) (*Runtime, string) {
	t.Helper()
	index := store.NewVectorLexicalIndex(t.TempDir(), 3)
	collectionID := "test-collection"
	if err := index.Create(context.Background(), collectionID); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	err := index.Upsert(context.Background(), collectionID, []store.ChunkRecord{
		{ChunkID: "c1", DocumentID: "d1", Ordinal: 0, Text: "the persona speaks in short declarative sentences", SourceFilename: "voice.txt", Vector: []float32{0.1, 0.2, 0.3}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	embedder := embed.New(fakeProvider{}, embed.Config{Dim: 3})
	return New(fakeProvider{content: reply}, embedder, index, 4), collectionID
}

func TestReplyStreamsTokensThenCompleteFrame(t *testing.T) {
	rt, collectionID := newTestRuntime(t, "hello there friend")

	var frames []Frame
	history := []Turn{{Role: "user", Content: "how would you describe your voice?"}}
	if err := rt.Reply(context.Background(), "You are a helpful persona.", collectionID, history, func(f Frame) {
		frames = append(frames, f)
	}); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if len(frames) < 2 {
		t.Fatalf("got %d frames, want at least a token frame and a complete frame", len(frames))
	}
	last := frames[len(frames)-1]
	if last.Type != "complete" {
		t.Fatalf("got last frame type %q, want %q", last.Type, "complete")
	}
	if last.Response != "hello there friend" {
		t.Fatalf("got response %q", last.Response)
	}
	if last.Model != "fake-model" || last.Tokens != 42 {
		t.Fatalf("got model=%q tokens=%d", last.Model, last.Tokens)
	}
	if len(last.Sources) == 0 {
		t.Fatal("expected retrieved sources on the complete frame")
	}

	for _, f := range frames[:len(frames)-1] {
		if f.Type != "token" {
			t.Fatalf("got non-terminal frame type %q, want %q", f.Type, "token")
		}
	}

	var rebuilt strings.Builder
	for _, f := range frames[:len(frames)-1] {
		rebuilt.WriteString(f.Token)
	}
	if rebuilt.String() != "hello there friend" {
		t.Fatalf("rebuilt token stream %q does not match reply", rebuilt.String())
	}
}

func TestReplyRejectsEmptyHistory(t *testing.T) {
	rt, collectionID := newTestRuntime(t, "unused")
	err := rt.Reply(context.Background(), "voice prompt", collectionID, nil, func(Frame) {})
	if err == nil {
		t.Fatal("expected an error for empty history")
	}
}

func TestReplyRejectsNonUserTerminalTurn(t *testing.T) {
	rt, collectionID := newTestRuntime(t, "unused")
	history := []Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	err := rt.Reply(context.Background(), "voice prompt", collectionID, history, func(Frame) {})
	if err == nil {
		t.Fatal("expected an error when the conversation does not end on a user turn")
	}
}
