package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/task"
)

// ERP order statuses sent on task outcomes.
const (
	orderDone   = "done"
	orderFailed = "failed"
)

const errBrokerNotConnected = "broker client not connected"

// ErrValidation is wrapped by every *ValidationError.
var ErrValidation = errors.New("invalid task request")

// ValidationError lists what is wrong with a create or update request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CreateTaskRequest is the input to CreateTask.
type CreateTaskRequest struct {
	ExternalOrderID string
	Channel         string
	Payload         string
	Priority        task.Priority
	Metadata        map[string]any
}

// UpdateTaskRequest is the input to UpdateTask. Nil fields are left alone.
type UpdateTaskRequest struct {
	Status   *task.Status
	Error    *string
	Metadata map[string]any
}

// Config holds the dispatch loop settings.
type Config struct {
	QueueCheckInterval time.Duration
}

// Service creates, dispatches and finalizes tasks.
type Service struct {
	store     *task.Store
	publisher Publisher
	notifier  Notifier
	hub       *events.Hub
	cfg       Config
	logger    *slog.Logger
	newID     func() string

	notifyWG sync.WaitGroup
}

type Option func(*Service)

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.With("component", "dispatch")
		}
	}
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New creates a Service. hub may be nil.
func New(store *task.Store, publisher Publisher, notifier Notifier, hub *events.Hub, cfg Config, opts ...Option) *Service {
	if cfg.QueueCheckInterval <= 0 {
		cfg.QueueCheckInterval = 15 * time.Second
	}
	s := &Service{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		hub:       hub,
		cfg:       cfg,
		logger:    log.WithComponent("dispatch"),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask validates req and persists a new pending task.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	var problems []string
	if strings.TrimSpace(req.ExternalOrderID) == "" {
		problems = append(problems, "externalOrderId is required")
	}
	if strings.TrimSpace(req.Channel) == "" {
		problems = append(problems, "channel is required")
	}
	if req.Payload == "" {
		problems = append(problems, "payload is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}
	if !priority.Valid() {
		problems = append(problems, fmt.Sprintf("priority %q is not one of low, normal, high, urgent", req.Priority))
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	t := &task.Task{
		ID:              s.newID(),
		ExternalOrderID: req.ExternalOrderID,
		Channel:         req.Channel,
		Payload:         req.Payload,
		Status:          task.StatusPending,
		Priority:        priority,
		Metadata:        req.Metadata,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.logger.With("task_id", t.ID).Info("task created",
		"external_order_id", t.ExternalOrderID,
		"channel", t.Channel,
		"priority", t.Priority)
	s.publishEvent(events.TaskCreated, t)
	return t, nil
}

// GetTasks returns tasks matching f in dispatch order.
func (s *Service) GetTasks(ctx context.Context, f task.Filters) ([]*task.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", f.Status)}}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown priority %q", f.Priority)}}
	}
	return s.store.Query(ctx, f)
}

// GetTask returns the task, or nil if it does not exist.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// UpdateTask applies req to the task. It returns nil, nil when the task does
// not exist. The only status change a client may make is cancelling a pending
// task; dispatch and completion are driven by the queue and robot reports so
// they always publish and notify. Any change to a terminal task returns an
// error wrapping task.ErrInvalidTransition.
func (s *Service) UpdateTask(ctx context.Context, id string, req UpdateTaskRequest) (*task.Task, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", *req.Status)}}
	}

	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	statusChange := req.Status != nil && *req.Status != cur.Status
	if cur.Status.Terminal() && (statusChange || req.Error != nil || len(req.Metadata) > 0) {
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, id, cur.Status)
	}
	if statusChange && (cur.Status != task.StatusPending || *req.Status != task.StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s is driven by the dispatcher", task.ErrInvalidTransition, cur.Status, *req.Status)
	}
	if req.Error != nil {
		return nil, &ValidationError{Problems: []string{"error can only be set on failed tasks"}}
	}

	u := task.Update{Metadata: req.Metadata}
	if statusChange {
		u.Status = req.Status
	}
	updated, err := s.store.Update(ctx, id, u)
	if errors.Is(err, task.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if statusChange {
		s.publishEvent(events.TaskCancelled, updated)
	} else {
		s.publishEvent(events.TaskUpdated, updated)
	}
	return updated, nil
}

// DeleteTask removes the task and reports whether it existed.
func (s *Service) DeleteTask(ctx context.Context, id string) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	s.logger.With("task_id", id).Info("task deleted")
	s.publishEvent(events.TaskDeleted, t)
	return true, nil
}

// GetNextPendingTask returns the highest-priority, oldest pending task, or nil.
func (s *Service) GetNextPendingTask(ctx context.Context) (*task.Task, error) {
	tasks, err := s.store.Query(ctx, task.Filters{Status: task.StatusPending})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// ProcessingTasks returns every task awaiting a robot report.
func (s *Service) ProcessingTasks(ctx context.Context) ([]*task.Task, error) {
	return s.store.Query(ctx, task.Filters{Status: task.StatusProcessing})
}

// CountTasks returns the number of tasks in status, or all tasks when status
// is empty.
func (s *Service) CountTasks(ctx context.Context, status task.Status) (int, error) {
	return s.store.Count(ctx, status)
}

// ProcessTask dispatches a pending task to its robot. It returns false
// without side effects when the task is not pending. A publish failure
// leaves the task failed and also returns false.
func (s *Service) ProcessTask(ctx context.Context, id string) (bool, error) {
	logger := s.logger.With("task_id", id)

	t, err := s.store.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		logger.Warn("process requested for unknown task")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusPending {
		logger.Debug("task not pending, skipping dispatch", "status", t.Status)
		return false, nil
	}

	t, err = s.store.Transition(ctx, id, task.StatusPending, task.StatusProcessing, nil)
	if errors.Is(err, task.ErrStatusConflict) || errors.Is(err, task.ErrNotFound) {
		logger.Debug("task claimed elsewhere, skipping dispatch")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark task processing: %w", err)
	}

	if !s.publisher.Connected() {
		s.failDispatch(ctx, t, errBrokerNotConnected)
		return false, nil
	}

	envelope, err := protocol.EncodeDispatch(t.ID, t.Payload)
	if err != nil {
		s.failDispatch(ctx, t, err.Error())
		return false, nil
	}
	topic := protocol.TaskTopic(t.Channel)
	if err := s.publisher.Publish(ctx, topic, envelope); err != nil {
		s.failDispatch(ctx, t, err.Error())
		return false, nil
	}

	logger.Info("task sent to robot",
		"robot_id", protocol.RobotIDFromTopic(protocol.BaseTopic(t.Channel)),
		"topic", topic)
	s.publishEvent(events.TaskDispatched, t)
	return true, nil
}

func (s *Service) failDispatch(ctx context.Context, t *task.Task, reason string) {
	logger := s.logger.With("task_id", t.ID)
	logger.Error("task dispatch failed", "error", reason)

	failed, err := s.store.Transition(ctx, t.ID, task.StatusProcessing, task.StatusFailed, &reason)
	if err != nil {
		logger.Error("could not record dispatch failure", "error", err)
		return
	}
	s.publishEvent(events.TaskFailed, failed)
}

// HandleRobotStatusUpdate finalizes a processing task from a robot's SUCCESS
// or ERROR report. Reports for tasks that are unknown or no longer
// processing, and any other status, are ignored.
func (s *Service) HandleRobotStatusUpdate(ctx context.Context, robotID string, status protocol.RobotStatus, completedTaskID string) {
	if completedTaskID == "" || !status.Terminal() {
		return
	}
	logger := s.logger.With("task_id", completedTaskID, "robot_id", robotID, "robot_status", status)

	var (
		to          task.Status
		errMsg      *string
		orderStatus string
	)
	switch status {
	case protocol.RobotSuccess:
		to, orderStatus = task.StatusCompleted, orderDone
	case protocol.RobotError:
		msg := fmt.Sprintf("Robot %s reported error during task execution", robotID)
		to, errMsg, orderStatus = task.StatusFailed, &msg, orderFailed
	}

	t, err := s.store.Transition(ctx, completedTaskID, task.StatusProcessing, to, errMsg)
	switch {
	case errors.Is(err, task.ErrNotFound):
		logger.Warn("status report for unknown task")
		return
	case errors.Is(err, task.ErrStatusConflict):
		logger.Debug("status report for task no longer processing, ignoring")
		return
	case err != nil:
		logger.Error("failed to record robot status", "error", err)
		return
	}

	if to == task.StatusCompleted {
		logger.Info("task completed by robot")
		s.publishEvent(events.TaskCompleted, t)
	} else {
		logger.Warn("task failed on robot")
		s.publishEvent(events.TaskFailed, t)
	}
	s.notify(ctx, t, orderStatus)
}

// FailTask moves a processing task to failed with reason and notifies the
// ERP. It reports false if the task was not processing.
func (s *Service) FailTask(ctx context.Context, id, reason string) (bool, error) {
	t, err := s.store.Transition(ctx, id, task.StatusProcessing, task.StatusFailed, &reason)
	if errors.Is(err, task.ErrNotFound) || errors.Is(err, task.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	s.logger.With("task_id", id).Warn("task failed", "error", reason)
	s.publishEvent(events.TaskFailed, t)
	s.notify(ctx, t, orderFailed)
	return true, nil
}

// Run checks the queue every QueueCheckInterval and dispatches at most one
// task per check. Checks are skipped while the broker is not connected. It
// blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("queue check loop started", "interval", s.cfg.QueueCheckInterval)
	defer s.logger.Info("queue check loop stopped")

	s.checkQueue(ctx)

	ticker := time.NewTicker(s.cfg.QueueCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkQueue(ctx)
		}
	}
}

func (s *Service) checkQueue(ctx context.Context) {
	if !s.publisher.Connected() {
		s.logger.Debug("broker not connected, skipping queue check")
		return
	}
	next, err := s.GetNextPendingTask(ctx)
	if err != nil {
		s.logger.Error("queue check failed", "error", err)
		return
	}
	if next == nil {
		return
	}
	if _, err := s.ProcessTask(ctx, next.ID); err != nil {
		s.logger.Error("failed to process task", "task_id", next.ID, "error", err)
	}
}

// Wait blocks until in-flight ERP notifications have returned.
func (s *Service) Wait() {
	s.notifyWG.Wait()
}

func (s *Service) notify(ctx context.Context, t *task.Task, orderStatus string) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		if !s.notifier.UpdateOrderStatus(ctx, t.ExternalOrderID, orderStatus, t.ID) {
			s.logger.With("task_id", t.ID).Warn("erp notification failed", "order_id", t.ExternalOrderID, "order_status", orderStatus)
		}
	}()
}

func (s *Service) publishEvent(kind events.Kind, t *task.Task) {
	ev := events.TaskEvent{
		TaskID:          t.ID,
		ExternalOrderID: t.ExternalOrderID,
		Channel:         t.Channel,
		Status:          string(t.Status),
		Priority:        string(t.Priority),
	}
	if t.Error != nil {
		ev.Error = *t.Error
	}
	s.hub.PublishTask(kind, ev)
}
