package protocol

import "time"

// RobotStatus is the state a robot reports on its status topic.
type RobotStatus string

const (
	RobotIdle       RobotStatus = "IDLE"
	RobotProcessing RobotStatus = "PROCESSING"
	RobotSuccess    RobotStatus = "SUCCESS"
	RobotError      RobotStatus = "ERROR"
)

// Terminal reports whether the status closes out the robot's current task.
func (s RobotStatus) Terminal() bool {
	return s == RobotSuccess || s == RobotError
}

// DispatchEnvelope is published to <channel>/task to start work on a robot.
type DispatchEnvelope struct {
	TaskID  string `json:"taskId"`
	Payload string `json:"payload"`
}

// StatusEnvelope is received on <channel>/status. Status and Timestamp are
// required; CompletedTaskID accompanies SUCCESS and ERROR reports.
type StatusEnvelope struct {
	Status          RobotStatus `json:"status"`
	Timestamp       string      `json:"timestamp"`
	CompletedTaskID string      `json:"completedTaskId,omitempty"`
}

// ReportedAt parses Timestamp as RFC 3339. ok is false when the robot sent
// something else; callers fall back to their receive time.
func (e StatusEnvelope) ReportedAt() (t time.Time, ok bool) {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	return t, err == nil
}

// AckEnvelope is published to <channel>/ack once a terminal report is handled.
type AckEnvelope struct {
	TaskID       string      `json:"taskId"`
	Status       RobotStatus `json:"status"`
	Timestamp    string      `json:"timestamp"`
	Acknowledged bool        `json:"acknowledged"`
}
