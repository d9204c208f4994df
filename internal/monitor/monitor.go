// Package monitor watches the robots that have outstanding work. It
// subscribes to a robot's status topic while one of its tasks is processing,
// forwards terminal reports to the dispatcher, and sweeps for tasks and
// robots that have gone quiet.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/task"
)

const statusUnknown protocol.RobotStatus = "UNKNOWN"

// Dispatcher is the task side the monitor reports into.
type Dispatcher interface {
	ProcessingTasks(ctx context.Context) ([]*task.Task, error)
	HandleRobotStatusUpdate(ctx context.Context, robotID string, status protocol.RobotStatus, completedTaskID string)
	FailTask(ctx context.Context, id, reason string) (bool, error)
}

// Broker is the messaging client surface the monitor needs.
type Broker interface {
	Connected() bool
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler broker.Handler) error
	Unsubscribe(channel string) error
}

// Config holds the sweep settings.
type Config struct {
	Interval      time.Duration
	TaskTimeout   time.Duration
	HealthTimeout time.Duration
	// Acknowledge publishes an ack envelope after each terminal report.
	Acknowledge bool
}

// RobotInfo is what the monitor knows about a tracked robot.
type RobotInfo struct {
	RobotID       string               `json:"robot_id"`
	Topic         string               `json:"topic"`
	LastSeen      time.Time            `json:"last_seen"`
	Status        protocol.RobotStatus `json:"status"`
	CurrentTaskID string               `json:"current_task_id,omitempty"`
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	Running          bool        `json:"running"`
	SubscribedTopics []string    `json:"subscribed_topics"`
	Robots           []RobotInfo `json:"robots"`
}

// Monitor owns the robot and subscription registries. Every tracked robot
// has exactly one status-topic subscription and vice versa.
type Monitor struct {
	dispatcher Dispatcher
	broker     Broker
	hub        *events.Hub
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	robots     map[string]*RobotInfo // robot id -> info
	subscribed map[string]string     // status topic -> robot id
	// releases counts releases; released records the count at each base's
	// latest release so discovery can drop entries read before it.
	releases uint64
	released map[string]uint64
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Monitor)

// WithClock overrides the clock used for ages and last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l.With("component", "monitor")
		}
	}
}

// New creates a stopped Monitor. hub may be nil.
func New(d Dispatcher, b Broker, hub *events.Hub, cfg Config, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Minute
	}
	m := &Monitor{
		dispatcher: d,
		broker:     b,
		hub:        hub,
		cfg:        cfg,
		logger:     log.WithComponent("monitor"),
		now:        time.Now,
		robots:     make(map[string]*RobotInfo),
		subscribed: make(map[string]string),
		released:   make(map[string]uint64),
		runCtx:     context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sweep loop. Calling it on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Debug("monitor already running")
		return
	}
	m.running = true
	m.runCtx, m.cancel = context.WithCancel(ctx)
	runCtx := m.runCtx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(runCtx)
	m.logger.Info("monitor started",
		"interval", m.cfg.Interval,
		"task_timeout", m.cfg.TaskTimeout,
		"health_timeout", m.cfg.HealthTimeout)
}

// Stop halts the loop, unsubscribes every tracked topic and clears both
// registries. Calling it on a stopped monitor does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	topics := make([]string, 0, len(m.subscribed))
	for topic := range m.subscribed {
		topics = append(topics, topic)
	}
	m.robots = make(map[string]*RobotInfo)
	m.subscribed = make(map[string]string)
	m.mu.Unlock()

	for _, topic := range topics {
		if err := m.broker.Unsubscribe(topic); err != nil {
			m.logger.Warn("unsubscribe on stop failed", "topic", topic, "error", err)
		}
	}
	m.logger.Info("monitor stopped")
}

// Running reports whether the sweep loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one monitoring cycle: discovery, then the timeout sweep, then
// the health sweep.
func (m *Monitor) Tick(ctx context.Context) {
	if m.broker.Connected() {
		m.DiscoverActiveRobots(ctx)
	} else {
		m.logger.Debug("broker not connected, skipping discovery")
	}
	m.TimeoutSweep(ctx)
	m.HealthSweep()
}

// DiscoverActiveRobots subscribes to the status topic of every robot that
// has a processing task and is not tracked yet. A robot released while the
// task list was being read is skipped until the next cycle, since its entry
// in the list may predate the terminal report.
func (m *Monitor) DiscoverActiveRobots(ctx context.Context) {
	m.mu.Lock()
	since := m.releases
	m.mu.Unlock()

	tasks, err := m.dispatcher.ProcessingTasks(ctx)
	if err != nil {
		m.logger.Error("discovery failed to list processing tasks", "error", err)
		return
	}

	seen := make(map[string]struct{})
	for _, t := range tasks {
		base := protocol.BaseTopic(t.Channel)
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		if err := m.track(base, &since); err != nil {
			m.logger.Error("failed to watch robot", "topic", base, "error", err)
		}
	}
}

// AddRobotTopic starts watching the robot behind channel, which may be the
// robot's base topic or its status topic.
func (m *Monitor) AddRobotTopic(channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errors.New("robot topic is empty")
	}
	if !m.broker.Connected() {
		return broker.ErrNotConnected
	}
	return m.track(protocol.BaseTopic(strings.TrimSuffix(channel, "/status")), nil)
}

// track subscribes to base's status topic unless the topic or its robot id
// is already tracked, or base was released after the release count since.
func (m *Monitor) track(base string, since *uint64) error {
	statusTopic := protocol.StatusTopic(base)
	robotID := protocol.RobotIDFromTopic(base)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribed[statusTopic]; ok {
		return nil
	}
	if _, ok := m.robots[robotID]; ok {
		m.logger.Debug("skipping duplicate robot id", "robot_id", robotID, "topic", base)
		return nil
	}
	if since != nil && m.released[base] > *since {
		m.logger.Debug("robot released during discovery", "robot_id", robotID, "topic", base)
		return nil
	}

	if err := m.broker.Subscribe(statusTopic, func(_ string, data []byte) {
		m.handleStatusMessage(base, data)
	}); err != nil {
		return err
	}
	m.subscribed[statusTopic] = robotID
	m.robots[robotID] = &RobotInfo{
		RobotID:  robotID,
		Topic:    base,
		LastSeen: m.now().UTC(),
		Status:   statusUnknown,
	}
	m.logger.Info("watching robot", "robot_id", robotID, "topic", statusTopic)
	m.hub.PublishRobot(events.RobotTracked, events.RobotEvent{RobotID: robotID, Topic: base})
	return nil
}

// release drops the subscription and registry entry for base.
func (m *Monitor) release(base string) {
	statusTopic := protocol.StatusTopic(base)

	m.mu.Lock()
	robotID, ok := m.subscribed[statusTopic]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subscribed, statusTopic)
	delete(m.robots, robotID)
	m.releases++
	m.released[base] = m.releases
	m.mu.Unlock()

	if err := m.broker.Unsubscribe(statusTopic); err != nil {
		m.logger.Warn("unsubscribe failed", "topic", statusTopic, "error", err)
	}
	m.logger.Info("released robot", "robot_id", robotID, "topic", statusTopic)
	m.hub.PublishRobot(events.RobotReleased, events.RobotEvent{RobotID: robotID, Topic: base})
}

func (m *Monitor) handlerContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCtx
}

func (m *Monitor) handleStatusMessage(base string, data []byte) {
	robotID := protocol.RobotIDFromTopic(base)
	logger := m.logger.With("robot_id", robotID, "topic", base)

	env, err := protocol.DecodeStatus(data)
	if err != nil {
		logger.Error("dropping robot status message", "error", err)
		return
	}

	m.mu.Lock()
	if info, ok := m.robots[robotID]; ok && info.Topic == base {
		info.LastSeen = m.now().UTC()
		info.Status = env.Status
		info.CurrentTaskID = env.CompletedTaskID
	}
	m.mu.Unlock()

	logger.Info("robot status", "status", env.Status, "completed_task_id", env.CompletedTaskID)
	m.hub.PublishRobot(events.RobotStatus, events.RobotEvent{
		RobotID:       robotID,
		Topic:         base,
		Status:        string(env.Status),
		CurrentTaskID: env.CompletedTaskID,
	})

	if !env.Status.Terminal() || env.CompletedTaskID == "" {
		return
	}

	ctx := m.handlerContext()
	m.dispatcher.HandleRobotStatusUpdate(ctx, robotID, env.Status, env.CompletedTaskID)
	if m.cfg.Acknowledge {
		m.acknowledge(ctx, base, env)
	}
	m.release(base)
}

func (m *Monitor) acknowledge(ctx context.Context, base string, env *protocol.StatusEnvelope) {
	ack, err := protocol.EncodeAck(env.CompletedTaskID, env.Status, m.now())
	if err != nil {
		m.logger.Error("encode ack", "error", err)
		return
	}
	if err := m.broker.Publish(ctx, protocol.AckTopic(base), ack); err != nil {
		m.logger.Warn("ack publish failed", "topic", protocol.AckTopic(base), "error", err)
	}
}

// TimeoutSweep fails every processing task that has waited longer than the
// task timeout, measured from dispatch.
func (m *Monitor) TimeoutSweep(ctx context.Context) {
	tasks, err := m.dispatcher.ProcessingTasks(ctx)
	if err != nil {
		m.logger.Error("timeout sweep failed to list processing tasks", "error", err)
		return
	}

	now := m.now()
	reason := timeoutReason(m.cfg.TaskTimeout)
	for _, t := range tasks {
		started := t.CreatedAt
		if t.DispatchedAt != nil {
			started = *t.DispatchedAt
		}
		if now.Sub(started) <= m.cfg.TaskTimeout {
			continue
		}
		failed, err := m.dispatcher.FailTask(ctx, t.ID, reason)
		if err != nil {
			m.logger.Error("failed to time out task", "task_id", t.ID, "error", err)
			continue
		}
		if failed {
			m.logger.Error("task timed out", "task_id", t.ID, "channel", t.Channel, "timeout", m.cfg.TaskTimeout)
		}
	}
}

// HealthSweep logs every tracked robot that has been silent longer than the
// health timeout. It never changes task state.
func (m *Monitor) HealthSweep() {
	now := m.now()

	m.mu.Lock()
	var silent []RobotInfo
	for _, info := range m.robots {
		if now.Sub(info.LastSeen) > m.cfg.HealthTimeout {
			silent = append(silent, *info)
		}
	}
	m.mu.Unlock()

	for _, info := range silent {
		age := now.Sub(info.LastSeen)
		m.logger.Error("robot not responding",
			"robot_id", info.RobotID,
			"topic", info.Topic,
			"silent_minutes", int(age.Round(time.Minute)/time.Minute))
		m.hub.PublishRobot(events.RobotUnresponsive, events.RobotEvent{
			RobotID:   info.RobotID,
			Topic:     info.Topic,
			Status:    string(info.Status),
			SilentFor: age.Round(time.Second).String(),
		})
	}
}

// RegisteredRobots returns copies of the tracked robots ordered by id.
func (m *Monitor) RegisteredRobots() []RobotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RobotInfo, 0, len(m.robots))
	for _, info := range m.robots {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out
}

// SubscribedTopics returns the tracked status topics in sorted order.
func (m *Monitor) SubscribedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribed))
	for topic := range m.subscribed {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot for the API and dashboard.
func (m *Monitor) Stats() Stats {
	return Stats{
		Running:          m.Running(),
		SubscribedTopics: m.SubscribedTopics(),
		Robots:           m.RegisteredRobots(),
	}
}

func timeoutReason(timeout time.Duration) string {
	if timeout >= time.Minute && timeout%time.Minute == 0 {
		return fmt.Sprintf("Task timeout: no robot response after %d minutes", int(timeout/time.Minute))
	}
	return fmt.Sprintf("Task timeout: no robot response after %s", timeout)
}
