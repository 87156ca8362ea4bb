package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/floe-run/floe/internal/backend"
	"github.com/floe-run/floe/internal/model"
	"github.com/floe-run/floe/internal/store"
	"github.com/floe-run/floe/internal/workflow"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRunRequest is the JSON body for POST /v1/runs. Workflow carries the
// YAML workflow document verbatim.
type createRunRequest struct {
	Workflow string `json:"workflow"`
	Backend  string `json:"backend"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Workflow == "" {
		s.writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}

	def, err := workflow.Parse([]byte(req.Workflow))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := workflow.Build(def)
	if err != nil {
		var gbe *workflow.GraphBuildError
		if errors.As(err, &gbe) {
			s.writeError(w, http.StatusBadRequest, gbe.Error())
			return
		}
		s.logger.Error("build workflow graph", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build workflow")
		return
	}

	backendID := req.Backend
	if backendID == "" {
		backendID = s.defaultBackend
	}
	exec, err := s.registry.Resolve(backendID)
	if err != nil {
		var ube *backend.UnknownBackendError
		if errors.As(err, &ube) {
			s.writeError(w, http.StatusBadRequest, ube.Error())
			return
		}
		s.logger.Error("resolve backend", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve backend")
		return
	}

	run := &model.Run{
		ID:        model.NewID(),
		Workflow:  g.Name,
		Backend:   backendID,
		Status:    model.RunPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.sched.Submit(r.Context(), run, g, exec); err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// listRunTasksResponse is the JSON response for GET /v1/runs/:id/tasks.
type listRunTasksResponse struct {
	RunID string              `json:"run_id"`
	Tasks []*model.TaskRecord `json:"tasks"`
}

func (s *Server) handleListRunTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		s.logger.Error("list run tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.TaskRecord{}
	}

	s.writeJSON(w, http.StatusOK, listRunTasksResponse{RunID: id, Tasks: tasks})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// Cancellation of an already-terminal run is a no-op.
	if s.sched.CancelRun(id) {
		// The snapshot predates the cancel; reflect the accepted state
		// instead of echoing a stale "running".
		run.Status = model.RunCanceled
		s.writeJSON(w, http.StatusAccepted, run)
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
