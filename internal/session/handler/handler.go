// Package handler exposes the session manager over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/progress"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/session"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ProgressReader returns the latest relayed progress for a session.
type ProgressReader interface {
	Snapshot(ctx context.Context, sessionID string) (*progress.Event, error)
}

type Handler struct {
	manager  *session.Manager
	progress ProgressReader
	logger   *slog.Logger
}

// New returns a Handler. progress may be nil, in which case the progress
// endpoint reports not found.
func New(m *session.Manager, progress ProgressReader) *Handler {
	return &Handler{
		manager:  m,
		progress: progress,
		logger:   slog.Default().With("component", "session-handler"),
	}
}

// Register mounts the session routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.Start)
	mux.HandleFunc("GET /api/v1/sessions", h.List)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/sessions/{id}/pause", h.Pause)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", h.Resume)
	mux.HandleFunc("GET /api/v1/sessions/{id}/logs", h.Logs)
	mux.HandleFunc("GET /api/v1/sessions/{id}/batches", h.Batches)
	mux.HandleFunc("GET /api/v1/sessions/{id}/progress", h.Progress)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req session.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := h.manager.StartSession(ctx, req)
	if err != nil {
		h.fail(ctx, w, "start session", err)
		return
	}
	logger.FromContext(ctx).Info("session started", "session_id", id, "sync_kind", req.Kind)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := h.manager.ListSessions(r.Context(), min(limit, maxListLimit))
	if err != nil {
		h.fail(r.Context(), w, "list sessions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	summary, err := h.manager.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, "get session", err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "cancel", h.manager.CancelSession)
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "pause", h.manager.PauseSession)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "resume", h.manager.ResumeSession)
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context, string) error) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := fn(ctx, id); err != nil {
		h.fail(ctx, w, name+" session", err)
		return
	}
	summary, err := h.manager.GetSession(ctx, id)
	if err != nil {
		h.fail(ctx, w, "get session", err)
		return
	}
	logger.FromContext(ctx).Info("session command applied", "session_id", id, "command", name, "status", summary.Status)
	h.writeJSON(w, http.StatusAccepted, summary)
}

func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.manager.ListLogs(r.Context(), r.PathValue("id"), int64(after), min(limit, maxListLimit))
	if err != nil {
		h.fail(r.Context(), w, "list logs", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *Handler) Batches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.manager.ListBatches(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, "list batches", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	if h.progress == nil {
		h.writeError(w, http.StatusNotFound, "live progress is not enabled")
		return
	}
	e, err := h.progress.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, "read progress", err)
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps err to a status. Client errors carry their message; server
// errors are logged and reported generically.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(ctx).Error(op+" failed", "error", err, "status_code", status)
		h.writeError(w, status, op+" failed")
		return
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		h.writeError(w, status, appErr.Message)
		return
	}
	h.writeError(w, status, err.Error())
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
