package events

import "strings"

// Kind names a lifecycle event. Task kinds carry a TaskEvent and robot kinds
// a RobotEvent.
type Kind string

const (
	TaskCreated    Kind = "task.created"
	TaskDispatched Kind = "task.dispatched"
	TaskCompleted  Kind = "task.completed"
	TaskFailed     Kind = "task.failed"
	TaskDeleted    Kind = "task.deleted"
	TaskUpdated    Kind = "task.updated"
	TaskCancelled  Kind = "task.cancelled"

	RobotTracked      Kind = "robot.tracked"
	RobotStatus       Kind = "robot.status"
	RobotReleased     Kind = "robot.released"
	RobotUnresponsive Kind = "robot.unresponsive"
)

// Category groups kinds by the entity they describe.
type Category string

const (
	CategoryTask  Category = "task"
	CategoryRobot Category = "robot"
)

// Category returns the part of k before the first dot.
func (k Kind) Category() Category {
	c, _, _ := strings.Cut(string(k), ".")
	return Category(c)
}

// ParseCategories reads a comma-separated category list such as
// "task,robot". An empty string means every category.
func ParseCategories(s string) ([]Category, bool) {
	var out []Category
	for _, part := range strings.Split(s, ",") {
		switch c := Category(strings.TrimSpace(part)); c {
		case "":
		case CategoryTask, CategoryRobot:
			out = append(out, c)
		default:
			return nil, false
		}
	}
	return out, true
}

// TaskEvent is the payload of the task.* events.
type TaskEvent struct {
	TaskID          string `json:"task_id"`
	ExternalOrderID string `json:"external_order_id"`
	Channel         string `json:"channel"`
	Status          string `json:"status"`
	Priority        string `json:"priority,omitempty"`
	Error           string `json:"error,omitempty"`
}

// RobotEvent is the payload of the robot.* events.
type RobotEvent struct {
	RobotID       string `json:"robot_id"`
	Topic         string `json:"topic"`
	Status        string `json:"status,omitempty"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	SilentFor     string `json:"silent_for,omitempty"`
}
