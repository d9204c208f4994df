// Package simulation runs in-process robots that speak the dispatch, status
// and ack protocol over the broker. They stand in for a fleet during demos
// and end-to-end tests.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/protocol"
)

// Broker is the messaging surface a robot needs.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler broker.Handler) error
	Unsubscribe(channel string) error
}

// Config describes the simulated fleet.
type Config struct {
	// Robots lists base topics, one robot each.
	Robots       []string
	WorkDuration time.Duration
	// FailEvery makes every Nth task on a robot report ERROR. Zero never fails.
	FailEvery int
}

// Robot executes one task at a time on its base topic.
type Robot struct {
	topic        string
	id           string
	broker       Broker
	workDuration time.Duration
	failEvery    int
	logger       *slog.Logger

	mu       sync.Mutex
	status   protocol.RobotStatus
	received int
	acks     int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRobot creates a robot on topic. A trailing /task is stripped.
func NewRobot(topic string, b Broker, workDuration time.Duration, failEvery int) *Robot {
	base := protocol.BaseTopic(topic)
	id := protocol.RobotIDFromTopic(base)
	return &Robot{
		topic:        base,
		id:           id,
		broker:       b,
		workDuration: workDuration,
		failEvery:    failEvery,
		logger:       log.WithComponent("simulation").With("robot_id", id, "topic", base),
		status:       protocol.RobotIdle,
	}
}

func (r *Robot) ID() string    { return r.id }
func (r *Robot) Topic() string { return r.topic }

// Status returns the last status the robot reported.
func (r *Robot) Status() protocol.RobotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Acks returns how many acknowledgments the robot has received.
func (r *Robot) Acks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks
}

// Start subscribes to the task and ack topics and announces IDLE.
func (r *Robot) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	if err := r.broker.Subscribe(protocol.TaskTopic(r.topic), r.handleTask); err != nil {
		r.Stop()
		return fmt.Errorf("subscribe %s: %w", protocol.TaskTopic(r.topic), err)
	}
	if err := r.broker.Subscribe(protocol.AckTopic(r.topic), r.handleAck); err != nil {
		r.Stop()
		return fmt.Errorf("subscribe %s: %w", protocol.AckTopic(r.topic), err)
	}

	r.logger.Info("simulated robot online")
	r.report(r.ctx, protocol.RobotIdle, "")
	return nil
}

// Stop unsubscribes and waits for in-flight work to be abandoned.
func (r *Robot) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	if cancel != nil {
		cancel()
	}
	r.mu.Unlock()
	if cancel == nil {
		return
	}

	_ = r.broker.Unsubscribe(protocol.TaskTopic(r.topic))
	_ = r.broker.Unsubscribe(protocol.AckTopic(r.topic))
	r.wg.Wait()
	r.logger.Info("simulated robot offline")
}

// handleTask runs on the broker's delivery goroutine, so the work itself is
// moved off it.
func (r *Robot) handleTask(_ string, data []byte) {
	env, err := protocol.DecodeDispatch(data)
	if err != nil {
		r.logger.Warn("dropping malformed dispatch", "error", err)
		return
	}

	r.mu.Lock()
	ctx := r.ctx
	if ctx == nil || ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.received++
	fail := r.failEvery > 0 && r.received%r.failEvery == 0
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("task received", "task_id", env.TaskID, "payload_bytes", len(env.Payload))
	go r.work(ctx, env.TaskID, fail)
}

func (r *Robot) work(ctx context.Context, taskID string, fail bool) {
	defer r.wg.Done()

	r.report(ctx, protocol.RobotProcessing, "")

	timer := time.NewTimer(r.workDuration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	outcome := protocol.RobotSuccess
	if fail {
		outcome = protocol.RobotError
	}
	r.report(ctx, outcome, taskID)
}

func (r *Robot) report(ctx context.Context, status protocol.RobotStatus, completedTaskID string) {
	payload, err := protocol.EncodeStatus(status, completedTaskID, time.Now())
	if err != nil {
		r.logger.Error("encode status failed", "error", err)
		return
	}
	if err := r.broker.Publish(ctx, protocol.StatusTopic(r.topic), payload); err != nil {
		r.logger.Warn("status publish failed", "status", status, "error", err)
		return
	}

	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	r.logger.Debug("status reported", "status", status, "completed_task_id", completedTaskID)
}

func (r *Robot) handleAck(_ string, data []byte) {
	ack, err := protocol.DecodeAck(data)
	if err != nil {
		r.logger.Warn("dropping malformed ack", "error", err)
		return
	}
	r.mu.Lock()
	r.acks++
	r.mu.Unlock()
	r.logger.Info("acknowledgment received", "task_id", ack.TaskID, "status", ack.Status)
}

// Fleet starts and stops a set of robots together.
type Fleet struct {
	robots []*Robot
}

// NewFleet creates one robot per configured topic.
func NewFleet(b Broker, cfg Config) *Fleet {
	f := &Fleet{}
	for _, topic := range cfg.Robots {
		f.robots = append(f.robots, NewRobot(topic, b, cfg.WorkDuration, cfg.FailEvery))
	}
	return f
}

func (f *Fleet) Robots() []*Robot { return f.robots }

// Start brings every robot online. On error the robots already started are
// stopped again.
func (f *Fleet) Start(ctx context.Context) error {
	for i, r := range f.robots {
		if err := r.Start(ctx); err != nil {
			for _, started := range f.robots[:i] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop takes every robot offline.
func (f *Fleet) Stop() {
	for _, r := range f.robots {
		r.Stop()
	}
}
