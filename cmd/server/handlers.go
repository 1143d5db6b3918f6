package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	anima "github.com/corpusvoice/anima"
	"github.com/corpusvoice/anima/agent"
	"github.com/corpusvoice/anima/chat"
	"github.com/corpusvoice/anima/ingest"
	"github.com/corpusvoice/anima/tools"
)

type handler struct {
	engine *anima.Engine
}

func newHandler(e *anima.Engine) *handler {
	return &handler{engine: e}
}

// POST /personas
func (h *handler) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		ModelID     string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	p, err := h.engine.CreatePersona(r.Context(), ownerFromContext(r), req.Name, req.Description, req.ModelID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GET /personas
func (h *handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := h.engine.ListPersonas(r.Context(), ownerFromContext(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": personas})
}

// GET /personas/{id}
func (h *handler) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.GetPersona(r.Context(), ownerFromContext(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PUT /personas/{id}
func (h *handler) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		ModelID     string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := h.engine.UpdatePersona(r.Context(), ownerFromContext(r), r.PathValue("id"), req.Name, req.Description, req.ModelID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DELETE /personas/{id}
func (h *handler) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeletePersona(r.Context(), ownerFromContext(r), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /personas/{id}/documents
// Accepts one or more multipart files under the "files" field.
func (h *handler) handleIngestCorpus(w http.ResponseWriter, r *http.Request) {
	personaID := r.PathValue("id")

	if err := r.ParseMultipartForm(200 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with one or more 'files' fields")
		return
	}
	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}

	var staged []ingest.UploadedFile
	tmpDir := os.TempDir()
	for _, fh := range fileHeaders {
		src, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read uploaded file")
			return
		}
		safeName := filepath.Base(fh.Filename)
		tmpPath := filepath.Join(tmpDir, fmt.Sprintf("%s-%s", personaID, safeName))
		dst, err := os.Create(tmpPath)
		if err != nil {
			src.Close()
			writeError(w, http.StatusInternalServerError, "failed to stage upload")
			return
		}
		_, copyErr := io.Copy(dst, src)
		dst.Close()
		src.Close()
		if copyErr != nil {
			writeError(w, http.StatusInternalServerError, "failed to stage upload")
			return
		}
		staged = append(staged, ingest.UploadedFile{Filename: safeName, Path: tmpPath})
	}
	defer func() {
		for _, f := range staged {
			os.Remove(f.Path)
		}
	}()

	batchID, outcomes, err := h.engine.IngestCorpus(r.Context(), ownerFromContext(r), personaID, staged)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"results":  outcomes,
	})
}

// GET /personas/{id}/documents
// Returns documents grouped per file with an ordinal-ordered chunk
// preview, for display in a corpus browser.
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	files, err := h.engine.ListDocumentFiles(r.Context(), ownerFromContext(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// DELETE /personas/{id}/documents/{docID}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	err := h.engine.DeleteDocument(r.Context(), ownerFromContext(r), r.PathValue("id"), r.PathValue("docID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// analyzeRequest is the shared request shape for both the unary and
// streaming analysis transports: a draft plus optional shaping context
// (why it's being reviewed, what to focus on, feedback already given).
type analyzeRequest struct {
	Draft            string `json:"draft"`
	IterationCap     int    `json:"iteration_cap,omitempty"`
	ToolCallSoftCap  int    `json:"tool_call_soft_cap,omitempty"`
	MaxFeedbackItems int    `json:"max_feedback_items,omitempty"`
	Context          *struct {
		Purpose         string               `json:"purpose,omitempty"`
		Criteria        []string             `json:"criteria,omitempty"`
		FeedbackHistory []agent.FeedbackItem `json:"feedback_history,omitempty"`
	} `json:"context,omitempty"`
}

func (req analyzeRequest) toAnalyzeOptions(sink tools.StatusSink) anima.AnalyzeOptions {
	opts := anima.AnalyzeOptions{
		IterationCap:     req.IterationCap,
		ToolCallSoftCap:  req.ToolCallSoftCap,
		MaxFeedbackItems: req.MaxFeedbackItems,
		StatusSink:       sink,
	}
	if req.Context != nil {
		opts.Purpose = req.Context.Purpose
		opts.Criteria = req.Context.Criteria
		opts.FeedbackHistory = req.Context.FeedbackHistory
	}
	return opts
}

// POST /personas/{id}/analyze
// Unary transport: runs the agent loop to completion and returns the
// full feedback array in one response.
func (h *handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	start := time.Now()
	result, err := h.engine.Analyze(r.Context(), ownerFromContext(r), r.PathValue("id"), req.Draft, req.toAnalyzeOptions(nil))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":                   result.Items,
		"processing_time_seconds": time.Since(start).Seconds(),
		"total_items":             len(result.Items),
	})
}

// POST /personas/{id}/analyze/stream
// Streaming transport: streams status frames as the agent works, one
// feedback frame per item once it finalizes, and a terminal complete
// frame.
func (h *handler) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	flusher, canStream := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	sink := func(f tools.StatusFrame) {
		message := fmt.Sprintf("called %s", f.ToolName)
		if f.ToolName == "" {
			message = f.Result
		}
		if f.Error != "" {
			message = fmt.Sprintf("%s failed: %s", f.ToolName, f.Error)
		}
		writeFrame(w, canStream, flusher, map[string]any{
			"type": "status", "message": message, "tool": f.ToolName, "elapsed_ms": f.ElapsedMs,
		})
	}

	start := time.Now()
	result, err := h.engine.Analyze(r.Context(), ownerFromContext(r), r.PathValue("id"), req.Draft, req.toAnalyzeOptions(sink))
	if err != nil {
		e := anima.MapAgentError(err)
		writeFrame(w, canStream, flusher, map[string]any{"type": "error", "message": e.Message, "kind": e.Kind})
		slog.Error("analyze failed", "error", err)
		return
	}

	for _, item := range result.Items {
		writeFrame(w, canStream, flusher, map[string]any{"type": "feedback", "item": item})
	}
	writeFrame(w, canStream, flusher, map[string]any{
		"type":                    "complete",
		"total_items":             len(result.Items),
		"processing_time_seconds": time.Since(start).Seconds(),
		"partial":                 result.Partial,
	})
}

func writeFrame(w http.ResponseWriter, canStream bool, flusher http.Flusher, v any) {
	b, _ := json.Marshal(v)
	w.Write(append(b, '\n'))
	if canStream {
		flusher.Flush()
	}
}

// POST /personas/{id}/chat
// Streams token frames as newline-delimited JSON, ending with a
// terminal complete frame carrying the full response.
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		History []chat.Turn `json:"history"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	flusher, canStream := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	err := h.engine.ChatTurn(r.Context(), ownerFromContext(r), r.PathValue("id"), req.History, func(f chat.Frame) {
		writeFrame(w, canStream, flusher, f)
	})
	if err != nil {
		e := anima.MapAgentError(err)
		writeFrame(w, canStream, flusher, map[string]any{"type": "error", "message": e.Message, "kind": e.Kind})
		slog.Error("chat failed", "error", err)
	}
}

// GET /models
func (h *handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.engine.ListModels()})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine-level error to its HTTP status and
// writes the structured error body.
func writeEngineError(w http.ResponseWriter, err error) {
	e := anima.MapAgentError(err)
	writeJSON(w, statusForKind(e.Kind), e)
}

func statusForKind(kind string) int {
	switch kind {
	case anima.KindNotAuthorized:
		return http.StatusForbidden
	case anima.KindNotFound:
		return http.StatusNotFound
	case anima.KindUnsupportedFmt, anima.KindValidationError:
		return http.StatusBadRequest
	case anima.KindToolTimeout, anima.KindModelTimeout:
		return http.StatusGatewayTimeout
	case anima.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
