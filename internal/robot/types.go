// Package robot keeps the persisted robot catalog: the fleet an operator
// has registered, independent of which robots currently have work.
package robot

import (
	"errors"
	"time"
)

// Status is the last known operating state recorded for a catalog entry.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusUnknown Status = "UNKNOWN"
)

// Valid reports whether s is a known catalog status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusStopped, StatusUnknown:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no catalog entry has the requested id.
	ErrNotFound = errors.New("robot not found")
	// ErrInvalid is wrapped by every rejected sync payload.
	ErrInvalid = errors.New("invalid robot catalog")
)

// Robot is one catalog entry. Topic is the robot's base topic; the task,
// status and ack channels hang off it.
type Robot struct {
	ID        string
	Name      string
	Topic     string
	Status    Status
	UpdatedAt time.Time
}
