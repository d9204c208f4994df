package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/robot"
	"github.com/mattjoyce/foreman/internal/task"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.tasks.CountTasks(r.Context(), task.StatusPending)
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	processing, err := s.tasks.CountTasks(r.Context(), task.StatusProcessing)
	if err != nil {
		s.logger.Error("failed to count processing tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count processing tasks")
		return
	}

	resp := HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:      depth,
		ProcessingTasks: processing,
		Broker:          "disconnected",
	}
	if s.broker != nil && s.broker.Connected() {
		resp.Broker = "connected"
	} else {
		resp.Status = "degraded"
	}
	if s.monitor != nil {
		resp.MonitorRunning = s.monitor.Running()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreateTask handles POST /tasks.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := s.tasks.CreateTask(r.Context(), dispatch.CreateTaskRequest{
		ExternalOrderID: req.ExternalOrderID,
		Channel:         req.Channel,
		Payload:         req.Payload,
		Priority:        task.Priority(req.Priority),
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, err, "failed to create task")
		return
	}
	respondJSON(w, http.StatusCreated, toTaskResponse(t))
}

// handleListTasks handles GET /tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.tasks.GetTasks(r.Context(), task.Filters{
		Status:          task.Status(q.Get("status")),
		Priority:        task.Priority(q.Get("priority")),
		ExternalOrderID: q.Get("external_order_id"),
		Channel:         q.Get("channel"),
	})
	if err != nil {
		s.writeServiceError(w, err, "failed to list tasks")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks)), Count: len(tasks)}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toTaskResponse(t))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetTask handles GET /tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "failed to get task")
		return
	}
	if t == nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(t))
}

// handleUpdateTask handles PATCH /tasks/{id}.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	update := dispatch.UpdateTaskRequest{Error: req.Error, Metadata: req.Metadata}
	if req.Status != nil {
		st := task.Status(*req.Status)
		update.Status = &st
	}

	t, err := s.tasks.UpdateTask(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		s.writeServiceError(w, err, "failed to update task")
		return
	}
	if t == nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(t))
}

// handleDeleteTask handles DELETE /tasks/{id}.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.tasks.DeleteTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "failed to delete task")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMonitorStats handles GET /monitor.
func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.Stats())
}

// handleAddRobot handles POST /monitor/robots.
func (s *Server) handleAddRobot(w http.ResponseWriter, r *http.Request) {
	var req AddRobotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.monitor.AddRobotTopic(req.Topic); err != nil {
		if errors.Is(err, broker.ErrNotConnected) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, s.monitor.Stats())
}

// handleListRobots handles GET /robots.
func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := s.robots.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list robots", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list robots")
		return
	}
	respondJSON(w, http.StatusOK, RobotListResponse{Robots: toRobotList(robots), Count: len(robots)})
}

// handleSyncRobots handles POST /robots/sync. The body replaces the whole
// catalog.
func (s *Server) handleSyncRobots(w http.ResponseWriter, r *http.Request) {
	var req SyncRobotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Robots == nil {
		s.writeError(w, http.StatusBadRequest, "robots array is required")
		return
	}

	in := make([]robot.Robot, 0, len(req.Robots))
	for _, e := range req.Robots {
		in = append(in, robot.Robot{ID: e.ID, Name: e.Name, Topic: e.Topic, Status: robot.Status(e.Status)})
	}
	synced, err := s.robots.Sync(r.Context(), in)
	if errors.Is(err, robot.ErrInvalid) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to sync robots", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to sync robots")
		return
	}
	s.logger.Info("robot catalog synced", "robots", len(synced))
	respondJSON(w, http.StatusOK, RobotListResponse{Success: true, Robots: toRobotList(synced), Count: len(synced)})
}

// writeServiceError maps dispatch and store errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: dispatch.ErrValidation.Error(), Problems: verr.Problems})
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrStatusConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	default:
		s.logger.Error(fallback, "error", err)
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
