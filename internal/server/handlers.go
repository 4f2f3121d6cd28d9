package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sukima/internal/model"
	"github.com/ashita-ai/sukima/internal/pipeline"
	"github.com/ashita-ai/sukima/internal/storage"
)

// Engine is the orchestrator surface the HTTP layer depends on.
type Engine interface {
	Submit(ctx context.Context, req model.CreateRunRequest) (model.Run, error)
	Execute(ctx context.Context, runID uuid.UUID) error
	Cancel(ctx context.Context, runID uuid.UUID) error
	Status(ctx context.Context, runID uuid.UUID) (model.StatusSnapshot, error)
	Results(ctx context.Context, runID uuid.UUID) (model.Run, error)
}

// Store is the storage surface the HTTP layer reads directly.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListLogs(ctx context.Context, runID uuid.UUID, limit int) ([]model.LogEntry, error)
	ListIterations(ctx context.Context, runID uuid.UUID) ([]model.Iteration, error)
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              Engine
	store               Store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Engine              Engine
	Store               Store
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleCreateRun handles POST /v1/runs. The run is persisted synchronously
// and executed in the background; the response carries the ID the caller
// polls with.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	run, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		var cfgErr *pipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, cfgErr.Reason)
			return
		}
		h.logger.Error("failed to submit run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to submit run")
		return
	}

	// Execution outlives the request; detach from its context.
	go func() {
		if err := h.engine.Execute(context.WithoutCancel(r.Context()), run.ID); err != nil {
			h.logger.Error("run execution failed", "run_id", run.ID, "error", err)
		}
	}()

	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunStatus handles GET /v1/runs/{run_id}/status, the lightweight poll
// surface.
func (h *Handlers) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	snapshot, err := h.engine.Status(r.Context(), runID)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snapshot)
}

// HandleRunResults handles GET /v1/runs/{run_id}/results. Non-terminal runs
// get 409 so pollers can distinguish "not yet" from "not found".
func (h *Handlers) HandleRunResults(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	run, err := h.engine.Results(r.Context(), runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFinished) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run has not finished")
			return
		}
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunLogs handles GET /v1/runs/{run_id}/logs.
func (h *Handlers) HandleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	logs, err := h.store.ListLogs(r.Context(), runID, limit)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, logs)
}

// HandleRunIterations handles GET /v1/runs/{run_id}/iterations.
func (h *Handlers) HandleRunIterations(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	iterations, err := h.store.ListIterations(r.Context(), runID)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, iterations)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Cancellation is
// cooperative: the response acknowledges the request, not the terminal state.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is not cancellable")
			return
		}
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func writeStorageError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}
