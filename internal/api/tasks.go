package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/store"
)

// submitResponse is the JSON response for POST /v1/tasks/{route}.
type submitResponse struct {
	TransactionID string `json:"transaction_id"`
}

// listTasksResponse is the JSON response for GET /v1/tasks.
type listTasksResponse struct {
	Tasks []*model.Task `json:"tasks"`
	Total int           `json:"total"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	route := chi.URLParam(r, "route")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		payloadRejections.WithLabelValues(rejectBadJSON).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.engine.Submit(r.Context(), route, json.RawMessage(body))
	if err != nil {
		if errors.Is(err, engine.ErrNotRunning) || errors.Is(err, engine.ErrStopped) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("submit task", "route", route, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{TransactionID: id})
}

// handleGetTask reports a task's status. A pending task answers 202; a
// resolved one answers 200, and reading a ready task acknowledges it.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Status(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "transaction_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	if task.Status == model.StatusPending {
		s.writeJSON(w, http.StatusAccepted, task)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*model.Task
		err   error
	)

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := model.ParseStatus(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		tasks, err = s.engine.ListByStatus(r.Context(), status)
	} else {
		tasks, err = s.engine.List(r.Context())
	}
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}
	s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Purge(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("purge task", "transaction_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to purge task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
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
