package monitor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/task"
)

type statusUpdate struct {
	robotID string
	status  protocol.RobotStatus
	taskID  string
}

type fakeDispatcher struct {
	mu      sync.Mutex
	tasks   map[string]*task.Task
	updates []statusUpdate
	fails   []string
	listErr error
	// afterList runs once the task list has been read, outside the lock.
	afterList func()
}

func newFakeDispatcher(tasks ...*task.Task) *fakeDispatcher {
	d := &fakeDispatcher{tasks: make(map[string]*task.Task)}
	for _, t := range tasks {
		d.tasks[t.ID] = t
	}
	return d
}

func (d *fakeDispatcher) ProcessingTasks(context.Context) ([]*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	var out []*task.Task
	for _, t := range d.tasks {
		if t.Status == task.StatusProcessing {
			cp := *t
			out = append(out, &cp)
		}
	}
	hook := d.afterList
	d.afterList = nil
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	d.mu.Lock()
	return out, nil
}

func (d *fakeDispatcher) setStatus(id string, st task.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[id].Status = st
}

func (d *fakeDispatcher) HandleRobotStatusUpdate(_ context.Context, robotID string, status protocol.RobotStatus, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, statusUpdate{robotID, status, taskID})
}

func (d *fakeDispatcher) FailTask(_ context.Context, id, reason string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok || t.Status != task.StatusProcessing {
		return false, nil
	}
	t.Status = task.StatusFailed
	t.Error = &reason
	d.fails = append(d.fails, id)
	return true, nil
}

func (d *fakeDispatcher) snapshot() ([]statusUpdate, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]statusUpdate(nil), d.updates...), append([]string(nil), d.fails...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	mon    *Monitor
	disp   *fakeDispatcher
	mem    *broker.MemoryBroker
	client *broker.Client
	robot  *broker.Client
	hub    *events.Hub
	clock  *clock
	logs   *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T, cfg Config, tasks ...*task.Task) *harness {
	t.Helper()
	mem := broker.NewMemoryBroker()
	client := broker.NewClient(mem.Transport(), 0)
	robot := broker.NewClient(mem.Transport(), 0)
	t.Cleanup(func() {
		_ = client.Close()
		_ = robot.Close()
	})
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, robot.Connect(context.Background()))

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	disp := newFakeDispatcher(tasks...)
	hub := events.NewHub(64)

	mon := New(disp, client, hub, cfg, WithClock(clk.Now), WithLogger(logger))
	t.Cleanup(mon.Stop)
	return &harness{mon: mon, disp: disp, mem: mem, client: client, robot: robot, hub: hub, clock: clk, logs: logs}
}

func processing(id, channel string, dispatchedAt time.Time) *task.Task {
	return &task.Task{
		ID:           id,
		Channel:      channel,
		Status:       task.StatusProcessing,
		CreatedAt:    dispatchedAt.Add(-time.Hour),
		DispatchedAt: &dispatchedAt,
	}
}

func (h *harness) report(t *testing.T, topic string, status protocol.RobotStatus, taskID string) {
	t.Helper()
	data, err := protocol.EncodeStatus(status, taskID, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.robot.Publish(context.Background(), topic, data))
}

func TestDiscoverSubscribesOncePerRobot(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{},
		processing("t1", "robotA", now),
		processing("t2", "robotA/task", now),
		processing("t3", "F1/W1/0x2", now),
	)

	h.mon.DiscoverActiveRobots(context.Background())
	h.mon.DiscoverActiveRobots(context.Background())

	assert.Equal(t, 1, h.mem.SubscriptionCount("robotA/status"))
	assert.Equal(t, 1, h.mem.SubscriptionCount("F1/W1/0x2/status"))
	assert.Equal(t, []string{"F1/W1/0x2/status", "robotA/status"}, h.mon.SubscribedTopics())

	robots := h.mon.RegisteredRobots()
	require.Len(t, robots, 2)
	assert.Equal(t, "0x2", robots[0].RobotID)
	assert.Equal(t, "F1/W1/0x2", robots[0].Topic)
	assert.Equal(t, statusUnknown, robots[0].Status)
	assert.Equal(t, "robotA", robots[1].RobotID)
}

func TestDiscoverSkipsDuplicateRobotID(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{},
		processing("t1", "F1/W1/0x1", now),
		processing("t2", "F2/W9/0x1", now),
	)

	h.mon.DiscoverActiveRobots(context.Background())

	assert.Len(t, h.mon.SubscribedTopics(), 1)
	assert.Len(t, h.mon.RegisteredRobots(), 1)
}

func TestDiscoverSkipsRobotReleasedDuringListing(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, processing("t1", "F1/W1/0x1", now))
	h.mon.DiscoverActiveRobots(context.Background())
	require.Equal(t, []string{"F1/W1/0x1/status"}, h.mon.SubscribedTopics())

	success, err := protocol.EncodeStatus(protocol.RobotSuccess, "t1", h.clock.Now())
	require.NoError(t, err)

	// The next listing still sees t1 processing, and the SUCCESS report is
	// handled before discovery acts on it.
	h.disp.afterList = func() {
		h.mon.handleStatusMessage("F1/W1/0x1", success)
		h.disp.setStatus("t1", task.StatusCompleted)
	}
	h.mon.DiscoverActiveRobots(context.Background())

	assert.Empty(t, h.mon.SubscribedTopics())
	assert.Empty(t, h.mon.RegisteredRobots())
	assert.Equal(t, 0, h.mem.SubscriptionCount("F1/W1/0x1/status"))

	h.mon.DiscoverActiveRobots(context.Background())
	assert.Empty(t, h.mon.SubscribedTopics())
}

func TestDiscoverRetracksReleasedRobotWithNewWork(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, processing("t1", "robotA", now))
	h.mon.DiscoverActiveRobots(context.Background())

	h.report(t, "robotA/status", protocol.RobotSuccess, "t1")
	require.Eventually(t, func() bool { return len(h.mon.SubscribedTopics()) == 0 }, time.Second, 5*time.Millisecond)
	h.disp.setStatus("t1", task.StatusCompleted)

	h.disp.mu.Lock()
	h.disp.tasks["t2"] = processing("t2", "robotA", now)
	h.disp.mu.Unlock()

	h.mon.DiscoverActiveRobots(context.Background())
	assert.Equal(t, []string{"robotA/status"}, h.mon.SubscribedTopics())
	assert.Equal(t, 1, h.mem.SubscriptionCount("robotA/status"))
}

func TestDiscoverListError(t *testing.T) {
	h := newHarness(t, Config{})
	h.disp.listErr = errors.New("db locked")

	h.mon.DiscoverActiveRobots(context.Background())
	assert.Empty(t, h.mon.SubscribedTopics())
	assert.Contains(t, h.logs.String(), "discovery failed to list processing tasks")
}

func TestTerminalReportForwardsAcksAndReleases(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{Acknowledge: true}, processing("t1", "robotA", now))
	h.mon.DiscoverActiveRobots(context.Background())

	h.report(t, "robotA/status", protocol.RobotSuccess, "t1")

	require.Eventually(t, func() bool { return len(h.mon.SubscribedTopics()) == 0 }, time.Second, 5*time.Millisecond)
	updates, _ := h.disp.snapshot()
	assert.Equal(t, []statusUpdate{{"robotA", protocol.RobotSuccess, "t1"}}, updates)
	assert.Empty(t, h.mon.RegisteredRobots())
	assert.Equal(t, 0, h.mem.SubscriptionCount("robotA/status"))

	acks := h.mem.Published("robotA/ack")
	require.Len(t, acks, 1)
	ack, err := protocol.DecodeAck(acks[0])
	require.NoError(t, err)
	assert.Equal(t, "t1", ack.TaskID)
	assert.Equal(t, protocol.RobotSuccess, ack.Status)
	assert.True(t, ack.Acknowledged)
}

func TestNoAckWhenDisabled(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, processing("t1", "robotA", now))
	h.mon.DiscoverActiveRobots(context.Background())

	h.report(t, "robotA/status", protocol.RobotError, "t1")

	require.Eventually(t, func() bool { return len(h.mon.SubscribedTopics()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.mem.Published("robotA/ack"))
}

func TestInformationalReportUpdatesRobot(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, processing("t1", "robotA", now))
	h.mon.DiscoverActiveRobots(context.Background())

	h.clock.Advance(time.Minute)
	h.report(t, "robotA/status", protocol.RobotProcessing, "t1")

	require.Eventually(t, func() bool {
		robots := h.mon.RegisteredRobots()
		return len(robots) == 1 && robots[0].Status == protocol.RobotProcessing
	}, time.Second, 5*time.Millisecond)

	robots := h.mon.RegisteredRobots()
	assert.Equal(t, "t1", robots[0].CurrentTaskID)
	assert.Equal(t, h.clock.Now(), robots[0].LastSeen)
	updates, _ := h.disp.snapshot()
	assert.Empty(t, updates)
	assert.Equal(t, []string{"robotA/status"}, h.mon.SubscribedTopics())
}

func TestTerminalReportWithoutTaskIDKeepsSubscription(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, processing("t1", "robotA", now))
	h.mon.DiscoverActiveRobots(context.Background())

	h.report(t, "robotA/status", protocol.RobotSuccess, "")

	require.Eventually(t, func() bool {
		robots := h.mon.RegisteredRobots()
		return len(robots) == 1 && robots[0].Status == protocol.RobotSuccess
	}, time.Second, 5*time.Millisecond)
	updates, _ := h.disp.snapshot()
	assert.Empty(t, updates)
	assert.Equal(t, []string{"robotA/status"}, h.mon.SubscribedTopics())
}

func TestMalformedReportIsDropped(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, processing("t1", "robotA", now))
	h.mon.DiscoverActiveRobots(context.Background())
	before := h.mon.RegisteredRobots()

	require.NoError(t, h.robot.Publish(context.Background(), "robotA/status", []byte(`{"status":"SUCCESS","completedTaskId":"t1"}`)))
	require.NoError(t, h.robot.Publish(context.Background(), "robotA/status", []byte(`not json`)))

	require.Eventually(t, func() bool {
		return bytes.Count([]byte(h.logs.String()), []byte("dropping robot status message")) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, before, h.mon.RegisteredRobots())
	updates, _ := h.disp.snapshot()
	assert.Empty(t, updates)
}

func TestTimeoutSweepFailsOnce(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{TaskTimeout: 10 * time.Minute},
		processing("old", "robotA", start),
		processing("fresh", "robotB", start.Add(5*time.Minute)),
	)
	legacy := &task.Task{ID: "legacy", Channel: "robotC", Status: task.StatusProcessing, CreatedAt: start}
	h.disp.tasks[legacy.ID] = legacy

	h.clock.Advance(11 * time.Minute)
	h.mon.TimeoutSweep(context.Background())
	h.mon.TimeoutSweep(context.Background())

	_, fails := h.disp.snapshot()
	assert.ElementsMatch(t, []string{"old", "legacy"}, fails)
	assert.Equal(t, "Task timeout: no robot response after 10 minutes", *h.disp.tasks["old"].Error)
	assert.Equal(t, task.StatusProcessing, h.disp.tasks["fresh"].Status)
}

func TestHealthSweepOnlyLogs(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{HealthTimeout: 5 * time.Minute}, processing("t1", "robotA", now))
	h.mon.DiscoverActiveRobots(context.Background())
	sub, cancel := h.hub.Subscribe()
	defer cancel()

	h.clock.Advance(4 * time.Minute)
	h.mon.HealthSweep()
	assert.NotContains(t, h.logs.String(), "robot not responding")

	h.clock.Advance(3 * time.Minute)
	h.mon.HealthSweep()
	assert.Contains(t, h.logs.String(), "robot not responding")
	assert.Contains(t, h.logs.String(), `"silent_minutes":7`)

	ev := <-sub
	assert.Equal(t, events.RobotUnresponsive, ev.Type)

	_, fails := h.disp.snapshot()
	assert.Empty(t, fails)
	assert.Len(t, h.mon.RegisteredRobots(), 1)
}

func TestTickSkipsDiscoveryWhileDisconnected(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, processing("t1", "robotA", now))

	h.mem.Interrupt()
	h.mon.Tick(context.Background())
	assert.Empty(t, h.mon.SubscribedTopics())

	h.mem.Resume()
	h.mon.Tick(context.Background())
	assert.Equal(t, []string{"robotA/status"}, h.mon.SubscribedTopics())
}

func TestAddRobotTopic(t *testing.T) {
	h := newHarness(t, Config{})

	require.Error(t, h.mon.AddRobotTopic("  "))
	require.NoError(t, h.mon.AddRobotTopic("F1/W1/0x9/status"))
	require.NoError(t, h.mon.AddRobotTopic("F1/W1/0x9"))
	require.NoError(t, h.mon.AddRobotTopic("F1/W1/0x9/task"))
	assert.Equal(t, []string{"F1/W1/0x9/status"}, h.mon.SubscribedTopics())

	h.mem.Interrupt()
	assert.ErrorIs(t, h.mon.AddRobotTopic("robotZ"), broker.ErrNotConnected)
}

func TestStartStopIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{Interval: 10 * time.Millisecond}, processing("t1", "robotA", now))

	h.mon.Stop()
	h.mon.Start(context.Background())
	h.mon.Start(context.Background())
	assert.True(t, h.mon.Stats().Running)

	require.Eventually(t, func() bool { return len(h.mon.SubscribedTopics()) == 1 }, time.Second, 5*time.Millisecond)

	h.mon.Stop()
	h.mon.Stop()
	stats := h.mon.Stats()
	assert.False(t, stats.Running)
	assert.Empty(t, stats.SubscribedTopics)
	assert.Empty(t, stats.Robots)
	assert.Equal(t, 0, h.mem.SubscriptionCount("robotA/status"))
	assert.Empty(t, h.client.Subscriptions())
}

func TestTimeoutReason(t *testing.T) {
	assert.Equal(t, "Task timeout: no robot response after 10 minutes", timeoutReason(10*time.Minute))
	assert.Equal(t, "Task timeout: no robot response after 1m30s", timeoutReason(90*time.Second))
}
