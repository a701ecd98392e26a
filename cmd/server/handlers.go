package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brunobiangulo/ddi"
)

type handler struct {
	engine ddi.Engine
}

func newHandler(e ddi.Engine) *handler {
	return &handler{engine: e}
}

func (h *handler) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("GET /drugs/{name}", h.handleDrug)
	mux.HandleFunc("GET /suggest", h.handleSuggest)
	mux.HandleFunc("GET /history", h.handleHistory)
	mux.HandleFunc("POST /import", h.handleImport)
	mux.HandleFunc("GET /health", h.handleHealth)
}

// POST /query
// Body: {"drug_a": "...", "drug_b": "...", "verify_web": false}
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req ddi.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := h.engine.Query(ctx, req)
	switch {
	case errors.Is(err, ddi.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "drug_a is required and must differ from drug_b")
		return
	case errors.Is(err, ddi.ErrStoreClosed):
		writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "query failed")
		slog.Error("query error", "drug_a", req.DrugA, "drug_b", req.DrugB, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GET /drugs/{name}
func (h *handler) handleDrug(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, err := h.engine.Drug(r.Context(), name)

	var amb *ddi.AmbiguousNameError
	switch {
	case errors.As(err, &amb):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "ambiguous drug name",
			"query":      amb.Query,
			"candidates": amb.Candidates,
		})
		return
	case errors.Is(err, ddi.ErrNotFound):
		writeError(w, http.StatusNotFound, "drug not found")
		return
	case errors.Is(err, ddi.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "drug name is required")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "lookup failed")
		slog.Error("drug lookup error", "name", name, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// GET /suggest?q=...&limit=5
func (h *handler) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := boundedInt(r.URL.Query().Get("limit"), 5, 50)

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"matches": h.engine.Suggest(q, limit),
	})
}

// GET /history?limit=50
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := boundedInt(r.URL.Query().Get("limit"), 50, 500)

	logs, err := h.engine.History(r.Context(), limit)
	if errors.Is(err, ddi.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "query history is unavailable")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		slog.Error("history error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queries": logs,
	})
}

// POST /import
// Accepts a multipart registry file or JSON with a file path.
func (h *handler) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			tmpDir, err := os.MkdirTemp("", "ddi-import-")
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp dir", "error", err)
				return
			}
			defer os.RemoveAll(tmpDir)

			tmpPath := filepath.Join(tmpDir, safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()

			h.importPath(ctx, w, tmpPath, safeName)
			return
		}
	}

	// Try JSON body with path
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Validate that path is a real file (prevents directory traversal probing).
	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	h.importPath(ctx, w, absPath, absPath)
}

func (h *handler) importPath(ctx context.Context, w http.ResponseWriter, path, label string) {
	n, err := h.engine.Import(ctx, path)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "import failed")
		slog.Error("import error", "path", label, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file":  label,
		"drugs": n,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Health(r.Context()))
}

// boundedInt parses s, falling back to def when it is missing, invalid or
// outside 1..max.
func boundedInt(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > max {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
