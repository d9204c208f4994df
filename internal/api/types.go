package api

import (
	"time"

	"github.com/mattjoyce/foreman/internal/robot"
	"github.com/mattjoyce/foreman/internal/task"
)

// CreateTaskRequest is the JSON body for POST /tasks.
type CreateTaskRequest struct {
	ExternalOrderID string         `json:"externalOrderId"`
	Channel         string         `json:"channel"`
	Payload         string         `json:"payload"`
	Priority        string         `json:"priority,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// UpdateTaskRequest is the JSON body for PATCH /tasks/{id}.
type UpdateTaskRequest struct {
	Status   *string        `json:"status,omitempty"`
	Error    *string        `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskResponse is the wire form of a task.
type TaskResponse struct {
	ID              string         `json:"id"`
	ExternalOrderID string         `json:"externalOrderId"`
	Channel         string         `json:"channel"`
	Payload         string         `json:"payload"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DispatchedAt    *time.Time     `json:"dispatchedAt,omitempty"`
	Error           *string        `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Count int            `json:"count"`
}

// AddRobotRequest is the JSON body for POST /monitor/robots.
type AddRobotRequest struct {
	Topic string `json:"topic"`
}

// RobotEntry is the wire form of a catalog robot.
type RobotEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncRobotsRequest is the JSON body for POST /robots/sync.
type SyncRobotsRequest struct {
	Robots []RobotEntry `json:"robots"`
}

// RobotListResponse is returned by GET /robots and POST /robots/sync.
type RobotListResponse struct {
	Success bool         `json:"success,omitempty"`
	Robots  []RobotEntry `json:"robots"`
	Count   int          `json:"count"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	QueueDepth      int    `json:"queue_depth"`
	ProcessingTasks int    `json:"processing_tasks"`
	Broker          string `json:"broker"`
	MonitorRunning  bool   `json:"monitor_running"`
}

func toTaskResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		ExternalOrderID: t.ExternalOrderID,
		Channel:         t.Channel,
		Payload:         t.Payload,
		Status:          string(t.Status),
		Priority:        string(t.Priority),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		DispatchedAt:    t.DispatchedAt,
		Error:           t.Error,
		Metadata:        t.Metadata,
	}
}

func toRobotList(robots []robot.Robot) []RobotEntry {
	out := make([]RobotEntry, 0, len(robots))
	for _, r := range robots {
		out = append(out, RobotEntry{
			ID:        r.ID,
			Name:      r.Name,
			Topic:     r.Topic,
			Status:    string(r.Status),
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out
}
