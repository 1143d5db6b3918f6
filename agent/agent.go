// Package agent runs the bounded, self-orchestrating tool-calling loop
// that turns a draft and a persona's corpus into structured, grounded
// feedback. Unlike a fixed N-round pipeline, the model decides each
// turn whether to call a tool again or finalize; the loop only bounds
// how long that can go on.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/corpusvoice/anima/apierr"
	"github.com/corpusvoice/anima/llm"
	"github.com/corpusvoice/anima/store"
	"github.com/corpusvoice/anima/tools"
)

// Config bounds a single Run.
type Config struct {
	IterationCap     int           // hard cap on model round-trips
	ToolCallSoftCap  int           // once reached, tools are withheld and the model must finalize
	MaxFeedbackItems int           // truncates an oversized result, never pads a thin one
	ToolTimeout      time.Duration // per-call timeout for a single tool execution
	RequestTimeout   time.Duration // per-call timeout for a single model round-trip
	DisableTools     bool          // never offer tools; for a persona with no corpus indexed
}

func (c Config) withDefaults() Config {
	if c.IterationCap <= 0 {
		c.IterationCap = 20
	}
	if c.ToolCallSoftCap <= 0 {
		c.ToolCallSoftCap = 10
	}
	if c.MaxFeedbackItems <= 0 {
		c.MaxFeedbackItems = 12
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 180 * time.Second
	}
	return c
}

// FeedbackType is the tag of FeedbackItem's sum type. A FeedbackItem is
// always exactly one of these, never several at once.
type FeedbackType string

const (
	FeedbackIssue      FeedbackType = "issue"
	FeedbackSuggestion FeedbackType = "suggestion"
	FeedbackPraise     FeedbackType = "praise"
	FeedbackQuestion   FeedbackType = "question"
)

func (t FeedbackType) valid() bool {
	switch t {
	case FeedbackIssue, FeedbackSuggestion, FeedbackPraise, FeedbackQuestion:
		return true
	}
	return false
}

// Severity is FeedbackItem's three-valued urgency scale.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// FeedbackItem is one piece of structured, corpus-grounded critique.
// Type is its sum-type tag (issue/suggestion/praise/question); Category
// is the craft dimension it addresses (clarity, style, logic, ...).
type FeedbackItem struct {
	ID         string               `json:"id"`
	Type       FeedbackType         `json:"type"`
	Category   string               `json:"category"`
	Severity   Severity             `json:"severity"`
	Summary    string               `json:"summary"`
	Excerpt    string               `json:"excerpt,omitempty"`
	Suggestion string               `json:"suggestion,omitempty"`
	Confidence float64              `json:"confidence"`
	Sources    []store.RetrievalHit `json:"sources,omitempty"`
}

// Step records one iteration of the loop for inspection and replay.
type Step struct {
	Iteration int    `json:"iteration"`
	Action    string `json:"action"` // "tool_call", "final_answer"
	ToolName  string `json:"tool_name,omitempty"`
	ToolArgs  string `json:"tool_args,omitempty"`
	ToolError string `json:"tool_error,omitempty"`
	Content   string `json:"content,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Result is the outcome of a single Run.
type Result struct {
	Items            []FeedbackItem `json:"items"`
	Steps            []Step         `json:"steps"`
	ModelUsed        string         `json:"model_used"`
	Iterations       int            `json:"iterations"`
	ToolCalls        int            `json:"tool_calls"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Truncated        bool           `json:"truncated"`
	Partial          bool           `json:"partial"`
}

// Loop drives one model through its tool-calling turns until it
// finalizes structured feedback, runs out of room, or fails outright.
type Loop struct {
	chat         llm.Provider
	tools        *tools.Set
	index        *store.VectorLexicalIndex
	collectionID string
	cfg          Config
}

// New builds a Loop scoped to one persona's tool surface and collection.
// index/collectionID are used only to enrich a finalized item's cited
// chunk_ids with their text and filename — never to originate a search.
func New(chat llm.Provider, toolSet *tools.Set, index *store.VectorLexicalIndex, collectionID string, cfg Config) *Loop {
	return &Loop{chat: chat, tools: toolSet, index: index, collectionID: collectionID, cfg: cfg.withDefaults()}
}

// RunContext optionally shapes the first user message with why the
// draft is being reviewed, what to focus on, and feedback already
// given in earlier rounds so the loop doesn't repeat itself. A nil
// RunContext (or a zero one) leaves the user message as the bare draft.
type RunContext struct {
	Purpose         string
	Criteria        []string
	FeedbackHistory []FeedbackItem
}

func (rc *RunContext) empty() bool {
	return rc == nil || (rc.Purpose == "" && len(rc.Criteria) == 0 && len(rc.FeedbackHistory) == 0)
}

func buildUserMessage(draft string, rc *RunContext) string {
	if rc.empty() {
		return draft
	}
	var b strings.Builder
	b.WriteString(draft)
	b.WriteString("\n\n---\n")
	if rc.Purpose != "" {
		fmt.Fprintf(&b, "Purpose of this review: %s\n", rc.Purpose)
	}
	if len(rc.Criteria) > 0 {
		fmt.Fprintf(&b, "Focus the critique on: %s\n", strings.Join(rc.Criteria, ", "))
	}
	if len(rc.FeedbackHistory) > 0 {
		b.WriteString("Feedback already given in prior rounds; do not repeat it:\n")
		for _, f := range rc.FeedbackHistory {
			fmt.Fprintf(&b, "- [%s/%s] %s: %s\n", f.Type, f.Severity, f.Category, f.Summary)
		}
	}
	return b.String()
}

// Run analyzes draft against personaSystemPrompt (the persona's voice
// and critique focus, already rendered by the caller) and returns
// structured feedback, or an error if the loop could not produce any.
// runCtx may be nil.
func (l *Loop) Run(ctx context.Context, personaSystemPrompt, draft string, runCtx *RunContext) (*Result, error) {
	if strings.TrimSpace(draft) == "" {
		return nil, apierr.ErrEmptyDraft
	}

	messages := []llm.Message{
		{Role: "system", Content: personaSystemPrompt + "\n\n" + finalizeInstructions},
		{Role: "user", Content: buildUserMessage(draft, runCtx)},
	}

	var (
		steps                   []Step
		toolCalls               int
		consecutiveToolFailures int
		promptTokens            int
		completionTokens        int
		totalTokens             int
		modelUsed               string
	)

	for iteration := 1; iteration <= l.cfg.IterationCap; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		offerTools := !l.cfg.DisableTools && toolCalls < l.cfg.ToolCallSoftCap
		reqCtx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
		start := time.Now()
		req := llm.ChatRequest{Messages: messages, Temperature: 0.2}
		if offerTools {
			req.Tools = l.tools.Definitions()
		}
		resp, err := l.chat.Chat(reqCtx, req)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("anima: model request failed on iteration %d: %w", iteration, err)
		}

		modelUsed = resp.Model
		promptTokens += resp.PromptTokens
		completionTokens += resp.CompletionTokens
		totalTokens += resp.TotalTokens

		if len(resp.ToolCalls) == 0 {
			steps = append(steps, Step{
				Iteration: iteration,
				Action:    "final_answer",
				Content:   resp.Content,
				ElapsedMs: time.Since(start).Milliseconds(),
			})
			items, perr := parseFeedbackItems(resp.Content)
			if perr != nil || len(items) == 0 {
				if iteration == l.cfg.IterationCap {
					return nil, fmt.Errorf("%w: %v", ErrValidationFailed, perr)
				}
				messages = append(messages,
					llm.Message{Role: "assistant", Content: resp.Content},
					llm.Message{Role: "user", Content: "That response did not contain a valid feedback_items JSON array. Respond again with only the JSON object described."},
				)
				continue
			}
			items = l.enrichSources(ctx, items)
			items = scoreGrounding(items)
			truncated := false
			if len(items) > l.cfg.MaxFeedbackItems {
				items = items[:l.cfg.MaxFeedbackItems]
				truncated = true
			}
			return &Result{
				Items: items, Steps: steps, ModelUsed: modelUsed, Iterations: iteration,
				ToolCalls: toolCalls, PromptTokens: promptTokens, CompletionTokens: completionTokens,
				TotalTokens: totalTokens, Truncated: truncated, Partial: iteration == l.cfg.IterationCap,
			}, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, tc := range resp.ToolCalls {
			if toolCalls >= l.cfg.ToolCallSoftCap {
				messages = append(messages, llm.Message{
					Role: "tool", ToolCallID: tc.ID, Name: tc.Name,
					Content: `{"error":"tool call budget exhausted; finalize your answer now"}`,
				})
				continue
			}
			toolCtx, tcancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
			toolStart := time.Now()
			result, terr := l.tools.Execute(toolCtx, tc.Name, tc.Arguments)
			tcancel()
			toolCalls++

			step := Step{
				Iteration: iteration, Action: "tool_call", ToolName: tc.Name,
				ToolArgs: tc.Arguments, ElapsedMs: time.Since(toolStart).Milliseconds(),
			}
			if terr != nil {
				consecutiveToolFailures++
				step.ToolError = terr.Error()
				steps = append(steps, step)
				if consecutiveToolFailures >= 3 {
					return nil, ErrToolExhaustion
				}
				messages = append(messages, llm.Message{
					Role: "tool", ToolCallID: tc.ID, Name: tc.Name,
					Content: fmt.Sprintf(`{"error":%q}`, terr.Error()),
				})
				continue
			}
			consecutiveToolFailures = 0
			steps = append(steps, step)
			messages = append(messages, llm.Message{Role: "tool", ToolCallID: tc.ID, Name: tc.Name, Content: result})
		}

		slog.Debug("agent: iteration complete", "iteration", iteration, "tool_calls_so_far", toolCalls)
	}

	return nil, ErrIterationCap
}

const finalizeInstructions = `When you are done investigating, respond with ONLY a JSON object of the form:
{"feedback_items": [{"type": "issue"|"suggestion"|"praise"|"question", "category": string, "severity": "low"|"medium"|"high", "summary": string, "excerpt": string, "suggestion": string, "confidence": number, "source_chunk_ids": [string]}]}
Every item's source_chunk_ids must be chunk_id values returned by search_corpus or cite in this conversation. Do not invent chunk ids. Return no items rather than an unsupported one.`

var (
	// ErrToolExhaustion is returned after three consecutive tool failures.
	ErrToolExhaustion = apierr.ErrToolExhaustion
	// ErrIterationCap is returned when the loop hits IterationCap without finalizing.
	ErrIterationCap = apierr.ErrIterationCap
	// ErrValidationFailed is returned when the model never produced a parseable feedback_items array.
	ErrValidationFailed = apierr.ErrValidationFailed
)

type wireFeedbackItem struct {
	Type           string   `json:"type"`
	Category       string   `json:"category"`
	Severity       string   `json:"severity"`
	Summary        string   `json:"summary"`
	Excerpt        string   `json:"excerpt"`
	Suggestion     string   `json:"suggestion"`
	Confidence     float64  `json:"confidence"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

type wireFeedback struct {
	Items []wireFeedbackItem `json:"feedback_items"`
}

// parseFeedbackItems recovers the model's feedback_items array from raw
// text, tolerating the usual ways a small model mangles JSON output: a
// markdown code fence, prose wrapped around the object, or the object
// itself missing but the array present on its own.
func parseFeedbackItems(raw string) ([]FeedbackItem, error) {
	candidate := stripCodeFence(raw)

	var wf wireFeedback
	if err := json.Unmarshal([]byte(candidate), &wf); err == nil && len(wf.Items) > 0 {
		return toFeedbackItems(wf.Items), nil
	}

	if obj, ok := findBalancedObject(candidate); ok {
		if err := json.Unmarshal([]byte(obj), &wf); err == nil && len(wf.Items) > 0 {
			return toFeedbackItems(wf.Items), nil
		}
	}

	if arr, ok := findBalancedArray(candidate); ok {
		var items []wireFeedbackItem
		if err := json.Unmarshal([]byte(arr), &items); err == nil && len(items) > 0 {
			return toFeedbackItems(items), nil
		}
	}

	return nil, fmt.Errorf("no feedback_items array recovered from model output")
}

func toFeedbackItems(items []wireFeedbackItem) []FeedbackItem {
	out := make([]FeedbackItem, 0, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.Summary) == "" {
			continue
		}
		typ := FeedbackType(strings.ToLower(strings.TrimSpace(it.Type)))
		if !typ.valid() {
			typ = FeedbackIssue
		}
		sev := Severity(strings.ToLower(strings.TrimSpace(it.Severity)))
		if !sev.valid() {
			sev = SeverityMedium
		}
		out = append(out, FeedbackItem{
			ID:         fmt.Sprintf("item-%d", i+1),
			Type:       typ,
			Category:   it.Category,
			Severity:   sev,
			Summary:    it.Summary,
			Excerpt:    it.Excerpt,
			Suggestion: it.Suggestion,
			Confidence: clamp01(it.Confidence),
			Sources:    sourcesFromChunkIDs(it.SourceChunkIDs),
		})
	}
	return out
}

func sourcesFromChunkIDs(ids []string) []store.RetrievalHit {
	hits := make([]store.RetrievalHit, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		hits = append(hits, store.RetrievalHit{ChunkID: id})
	}
	return hits
}

// enrichSources resolves each item's placeholder sources (chunk_id
// only) to the actual chunk text and filename by an exact chunk_id
// lookup against the persona's whole collection — never by fuzzy
// filename matching. A chunk_id that exists anywhere in the collection
// resolves, whether or not this run's tool calls returned it; a
// chunk_id that does not resolve is dropped from the item entirely.
func (l *Loop) enrichSources(ctx context.Context, items []FeedbackItem) []FeedbackItem {
	if l.index == nil {
		return items
	}
	cache := make(map[string]*store.RetrievalHit)
	for i := range items {
		resolved := make([]store.RetrievalHit, 0, len(items[i].Sources))
		for _, src := range items[i].Sources {
			hit, ok := cache[src.ChunkID]
			if !ok {
				var err error
				hit, err = l.index.GetChunk(ctx, l.collectionID, src.ChunkID)
				if err != nil {
					hit = nil
				}
				cache[src.ChunkID] = hit
			}
			if hit != nil {
				resolved = append(resolved, *hit)
			}
		}
		items[i].Sources = resolved
	}
	return items
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

func stripCodeFence(raw string) string {
	if m := codeFenceRe.FindStringSubmatch(raw); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}

// findBalancedObject returns the first top-level, brace-balanced JSON
// object substring, respecting string literals so braces inside
// quoted text don't throw off the count.
func findBalancedObject(s string) (string, bool) {
	return findBalanced(s, '{', '}')
}

// findBalancedArray is findBalancedObject's counterpart for a bracketed
// array, used when a model emits the array without its enclosing
// object.
func findBalancedArray(s string) (string, bool) {
	return findBalanced(s, '[', ']')
}

func findBalanced(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// groundingWeights blends the model's self-reported confidence with
// signals this package can verify on its own, the same shape the
// document-QA answer-confidence scorer this package replaced used:
// a weighted sum of coverage and citation-accuracy signals clamped to
// [0,1].
type groundingWeights struct {
	ModelConfidence float64
	ExcerptMatch    float64
	SourceResolved  float64
}

func defaultGroundingWeights() groundingWeights {
	return groundingWeights{ModelConfidence: 0.5, ExcerptMatch: 0.3, SourceResolved: 0.2}
}

// scoreGrounding replaces each item's confidence with a weighted blend
// of the model's own confidence, how well its claimed excerpt matches
// the sources it cited, and whether any cited chunk_id resolved to real
// corpus text. The blend can raise or lower the model's figure.
func scoreGrounding(items []FeedbackItem) []FeedbackItem {
	w := defaultGroundingWeights()
	for i := range items {
		it := &items[i]
		sourceResolved := 0.0
		if len(it.Sources) > 0 {
			sourceResolved = 1.0
		}
		it.Confidence = clamp01(
			it.Confidence*w.ModelConfidence +
				excerptMatchScore(it.Excerpt, it.Sources)*w.ExcerptMatch +
				sourceResolved*w.SourceResolved,
		)
	}
	return items
}

// excerptMatchScore checks whether an item's excerpt actually appears
// in the text of one of its resolved sources, tolerating light
// paraphrase by falling back to a short leading phrase match.
func excerptMatchScore(excerpt string, sources []store.RetrievalHit) float64 {
	excerpt = strings.TrimSpace(excerpt)
	if excerpt == "" {
		return 0.5
	}
	lower := strings.ToLower(excerpt)
	for _, s := range sources {
		if strings.Contains(strings.ToLower(s.Text), lower) {
			return 1
		}
	}
	words := strings.Fields(lower)
	if len(words) > 6 {
		phrase := strings.Join(words[:6], " ")
		for _, s := range sources {
			if strings.Contains(strings.ToLower(s.Text), phrase) {
				return 0.7
			}
		}
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
