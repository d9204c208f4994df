package task

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the task state machine:
//
//	pending -> processing -> completed | failed
//	pending -> cancelled
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRanks = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// Rank is the stored ordering key; higher dispatches first.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

func priorityFromRank(rank int) Priority {
	for p, r := range priorityRanks {
		if r == rank {
			return p
		}
	}
	return PriorityNormal
}

// Task is a unit of work addressed to a robot channel.
type Task struct {
	ID              string
	ExternalOrderID string
	Channel         string
	Payload         string
	Status          Status
	Priority        Priority
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DispatchedAt    *time.Time
	Error           *string
	Metadata        map[string]any
}

// Filters narrows Query. Zero-valued fields are ignored.
type Filters struct {
	Status          Status
	Priority        Priority
	ExternalOrderID string
	Channel         string
}

// Update carries the fields to change; nil fields are left untouched and
// Metadata is shallow-merged into the stored map.
type Update struct {
	Status       *Status
	Error        *string
	Metadata     map[string]any
	DispatchedAt *time.Time
}

func (u Update) empty() bool {
	return u.Status == nil && u.Error == nil && len(u.Metadata) == 0 && u.DispatchedAt == nil
}

var (
	ErrNotFound          = errors.New("task not found")
	ErrStatusConflict    = errors.New("task status changed concurrently")
	ErrInvalidTransition = errors.New("invalid task status transition")
)
