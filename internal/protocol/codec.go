package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage marks a status envelope that cannot be acted upon.
var ErrMalformedMessage = errors.New("malformed status message")

// EncodeDispatch serializes the envelope that starts a task on a robot.
func EncodeDispatch(taskID, payload string) ([]byte, error) {
	if taskID == "" {
		return nil, fmt.Errorf("dispatch envelope: task id is empty")
	}
	b, err := json.Marshal(DispatchEnvelope{TaskID: taskID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode dispatch envelope: %w", err)
	}
	return b, nil
}

// DecodeDispatch parses a dispatch envelope as a robot would receive it.
func DecodeDispatch(data []byte) (*DispatchEnvelope, error) {
	var env DispatchEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode dispatch envelope: %w", err)
	}
	if env.TaskID == "" {
		return nil, fmt.Errorf("dispatch envelope missing required field: taskId")
	}
	return &env, nil
}

// EncodeStatus serializes a status report stamped with at.
func EncodeStatus(status RobotStatus, completedTaskID string, at time.Time) ([]byte, error) {
	b, err := json.Marshal(StatusEnvelope{
		Status:          status,
		Timestamp:       at.UTC().Format(time.RFC3339Nano),
		CompletedTaskID: completedTaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode status envelope: %w", err)
	}
	return b, nil
}

// DecodeStatus parses a status envelope. Invalid JSON and a missing status or
// timestamp are reported as ErrMalformedMessage.
func DecodeStatus(data []byte) (*StatusEnvelope, error) {
	var env StatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Status == "" {
		return nil, fmt.Errorf("%w: missing required field: status", ErrMalformedMessage)
	}
	if env.Timestamp == "" {
		return nil, fmt.Errorf("%w: missing required field: timestamp", ErrMalformedMessage)
	}
	return &env, nil
}

// EncodeAck serializes the acknowledgment for a handled terminal report.
func EncodeAck(taskID string, status RobotStatus, at time.Time) ([]byte, error) {
	b, err := json.Marshal(AckEnvelope{
		TaskID:       taskID,
		Status:       status,
		Timestamp:    at.UTC().Format(time.RFC3339Nano),
		Acknowledged: true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode ack envelope: %w", err)
	}
	return b, nil
}

// DecodeAck parses an acknowledgment envelope.
func DecodeAck(data []byte) (*AckEnvelope, error) {
	var env AckEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode ack envelope: %w", err)
	}
	return &env, nil
}
