package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nparley/prefect/internal/model"
	"github.com/nparley/prefect/internal/store"
)

// listTaskRunsResponse wraps the paginated list response.
type listTaskRunsResponse struct {
	TaskRuns []*model.TaskRun `json:"task_runs"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	flowRunID := r.URL.Query().Get("flow_run_id")

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListTaskRuns(r.Context(), flowRunID, limit, offset)
	if err != nil {
		s.logger.Error("list task runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list task runs")
		return
	}

	if runs == nil {
		runs = []*model.TaskRun{}
	}

	s.writeJSON(w, http.StatusOK, listTaskRunsResponse{
		TaskRuns: runs,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleGetTaskRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tr, err := s.store.GetTaskRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task run not found")
		return
	}
	if err != nil {
		s.logger.Error("get task run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task run")
		return
	}

	s.writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleCancelTaskRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetTaskRun(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task run not found")
		return
	} else if err != nil {
		s.logger.Error("get task run for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task run")
		return
	}

	delivered := s.engine.CancelTaskRun(id)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"task_run_id": id,
		"delivered":   delivered,
	})
}
