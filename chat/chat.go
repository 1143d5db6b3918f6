// Package chat implements persona-voice conversation: unlike the
// analysis agent loop, a chat turn is a single grounded answer in the
// persona's voice, streamed token by token.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/corpusvoice/anima/embed"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/store"
)

// Turn is one exchange already in the conversation.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Frame is one piece of a streamed reply: a "token" frame carrying one
// incremental piece of text, or a terminal "complete" frame carrying
// the full response and its grounding sources.
type Frame struct {
	Type     string               `json:"type"` // "token" or "complete"
	Token    string               `json:"token,omitempty"`
	Response string               `json:"response,omitempty"`
	Sources  []store.RetrievalHit `json:"sources,omitempty"`
	Model    string               `json:"model,omitempty"`
	Tokens   int                  `json:"tokens,omitempty"`
}

// Runtime answers chat turns in a persona's voice, grounded in the
// persona's corpus via a single retrieval pass per turn (no tool loop:
// a chat reply is conversational, not an investigation).
type Runtime struct {
	chat     llm.Provider
	embedder *embed.Embedder
	index    *store.VectorLexicalIndex
	k        int
}

// New builds a Runtime. k bounds how many corpus chunks are retrieved
// per turn; k <= 0 defaults to 6.
func New(chatProvider llm.Provider, embedder *embed.Embedder, index *store.VectorLexicalIndex, k int) *Runtime {
	if k <= 0 {
		k = 6
	}
	return &Runtime{chat: chatProvider, embedder: embedder, index: index, k: k}
}

// Reply answers the latest user turn given the conversation history and
// the persona's system voice prompt, sending one Frame per token to
// onFrame followed by a final Frame of Type "complete".
func (r *Runtime) Reply(ctx context.Context, personaSystemPrompt, collectionID string, history []Turn, onFrame func(Frame)) error {
	if len(history) == 0 {
		return fmt.Errorf("anima: empty conversation")
	}
	last := history[len(history)-1]
	if last.Role != "user" {
		return fmt.Errorf("anima: conversation must end on a user turn")
	}

	var sources []store.RetrievalHit
	if vectors, err := r.embedder.Embed(ctx, []string{last.Content}); err == nil {
		if hits, serr := r.index.SearchHybrid(ctx, collectionID, last.Content, vectors[0], r.k); serr == nil {
			sources = hits
		}
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: personaSystemPrompt + "\n\n" + groundingPrompt(sources)})
	for _, t := range history {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{Messages: messages, Temperature: 0.7})
	if err != nil {
		return fmt.Errorf("anima: chat request failed: %w", err)
	}

	for _, tok := range tokenize(resp.Content) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onFrame(Frame{Type: "token", Token: tok})
	}
	onFrame(Frame{Type: "complete", Response: resp.Content, Sources: sources, Model: resp.Model, Tokens: resp.TotalTokens})
	return nil
}

func groundingPrompt(sources []store.RetrievalHit) string {
	if len(sources) == 0 {
		return "No corpus passages were retrieved for this turn; answer from your persona voice alone and say so if asked for a source."
	}
	var b strings.Builder
	b.WriteString("Relevant passages from the curated corpus:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "--- %d: %s ---\n%s\n\n", i+1, s.SourceFilename, s.Text)
	}
	return b.String()
}

// tokenize splits a finished reply into the units streamed to the
// client. Word-plus-trailing-space keeps punctuation attached to its
// word, which reads more naturally client-side than a token-per-rune
// split.
func tokenize(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == ' ' || r == '\n' {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
