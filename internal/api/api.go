// Package api implements the REST surface spec.md §6 describes the core
// as accepting calls from: thin HTTP handlers translating JSON requests
// directly into Session Manager calls, plus a GET .../log endpoint
// supplementing the distilled spec with the session event audit trail.
//
// Routing follows the teacher's internal/wsserver stdlib-first approach
// (http.NewServeMux, no router framework) using Go's method-and-path
// pattern syntax.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"midterm/internal/session"
	"midterm/internal/sessionlog"
	"midterm/internal/taxonomy"
)

// sessionManager is the narrow seam into the Session Manager this package
// needs, mirroring the decoupling interfaces in internal/mux and
// internal/statechan.
type sessionManager interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Snapshot, error)
	Delete(ctx context.Context, id string) error
	Resize(id string, cols, rows int) error
	Rename(id, name string) error
	List() []session.Snapshot
	Get(id string) (session.Snapshot, error)
	GetBuffer(id string) ([]byte, error)
}

// eventLog is the narrow seam into the session event audit trail.
type eventLog interface {
	ForSession(ctx context.Context, sessionID string) ([]sessionlog.Event, error)
}

// Handler serves the REST surface.
type Handler struct {
	manager sessionManager
	events  eventLog
	log     *slog.Logger
}

// New constructs a Handler. events may be nil, in which case the log
// endpoint returns 404.
func New(manager sessionManager, events eventLog) *Handler {
	return &Handler{manager: manager, events: events, log: slog.With("subsystem", "api")}
}

// Mount registers the REST surface's routes on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/sessions/{id}/resize", h.handleResize)
	mux.HandleFunc("PUT /api/sessions/{id}/name", h.handleRename)
	mux.HandleFunc("GET /api/sessions/{id}/buffer", h.handleBuffer)
	mux.HandleFunc("GET /api/sessions/{id}/log", h.handleLog)
}

type createRequest struct {
	Cols             int    `json:"cols"`
	Rows             int    `json:"rows"`
	Shell            string `json:"shell,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cr := session.CreateRequest{
		Cols:             req.Cols,
		Rows:             req.Rows,
		WorkingDirectory: req.WorkingDirectory,
	}
	if req.Shell != "" {
		cr.ShellKind = session.ShellKind(req.Shell)
	}
	snap, err := h.manager.Create(r.Context(), cr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.List())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type resizeResponse struct {
	Accepted bool `json:"accepted"`
	Cols     int  `json:"cols"`
	Rows     int  `json:"rows"`
}

func (h *Handler) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.manager.Resize(id, req.Cols, req.Rows); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resizeResponse{Accepted: true, Cols: req.Cols, Rows: req.Rows})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.manager.Rename(id, req.Name); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleBuffer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	buf, err := h.manager.GetBuffer(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.NotFound(w, r)
		return
	}
	id := r.PathValue("id")
	if _, err := h.manager.Get(id); err != nil {
		h.writeError(w, err)
		return
	}
	events, err := h.events.ForSession(r.Context(), id)
	if err != nil {
		h.log.Warn("[api] session log lookup failed", "session", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a taxonomy error Kind to the REST status spec.md §7
// names; an untyped error is an internal failure.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch taxonomy.KindOf(err) {
	case taxonomy.KindSessionNotFound:
		http.Error(w, strings.TrimSpace(err.Error()), http.StatusNotFound)
	case taxonomy.KindInvalidArgument:
		http.Error(w, strings.TrimSpace(err.Error()), http.StatusBadRequest)
	case taxonomy.KindSessionNotRunning:
		http.Error(w, strings.TrimSpace(err.Error()), http.StatusConflict)
	case taxonomy.KindBackendUnavailable:
		http.Error(w, strings.TrimSpace(err.Error()), http.StatusServiceUnavailable)
	default:
		h.log.Warn("[api] unhandled error kind", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
