package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/events"
)

func event(t *testing.T, typ events.Kind, data any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{Type: typ, At: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), Data: b}
}

func newTestModel() Model {
	m := New("http://foreman.test", "key")
	m.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC) }
	return *m
}

func TestApplyEventTracksTaskLifecycle(t *testing.T) {
	m := newTestModel()

	m.applyEvent(event(t, events.TaskCreated, events.TaskEvent{
		TaskID: "task-1", ExternalOrderID: "SO-1", Channel: "factory/robot1", Status: "pending", Priority: "high",
	}))
	require.Contains(t, m.tasks, "task-1")
	assert.Equal(t, "pending", m.tasks["task-1"].Status)
	assert.Equal(t, "high", m.tasks["task-1"].Priority)

	m.applyEvent(event(t, events.TaskDispatched, events.TaskEvent{TaskID: "task-1", Status: "processing"}))
	assert.Equal(t, "processing", m.tasks["task-1"].Status)
	assert.Equal(t, "SO-1", m.tasks["task-1"].ExternalOrderID, "unchanged fields kept")

	m.applyEvent(event(t, events.TaskFailed, events.TaskEvent{TaskID: "task-1", Status: "failed", Error: "boom"}))
	require.NotNil(t, m.tasks["task-1"].Error)
	assert.Equal(t, "boom", *m.tasks["task-1"].Error)

	m.applyEvent(event(t, events.TaskDeleted, events.TaskEvent{TaskID: "task-1"}))
	assert.NotContains(t, m.tasks, "task-1")

	assert.Len(t, m.eventLog, 4)
	assert.Equal(t, events.TaskDeleted, m.eventLog[0].Type, "newest first")
}

func TestApplyEventTracksRobots(t *testing.T) {
	m := newTestModel()

	m.applyEvent(event(t, events.RobotTracked, events.RobotEvent{RobotID: "robot1", Topic: "factory/robot1/status", Status: "UNKNOWN"}))
	m.applyEvent(event(t, events.RobotUnresponsive, events.RobotEvent{RobotID: "robot1", SilentFor: "6m0s"}))
	assert.True(t, m.unresponsive["robot1"])

	m.applyEvent(event(t, events.RobotStatus, events.RobotEvent{RobotID: "robot1", Status: "PROCESSING", CurrentTaskID: "task-1"}))
	assert.False(t, m.unresponsive["robot1"])
	assert.Equal(t, "PROCESSING", m.robots["robot1"].Status)
	assert.Equal(t, "task-1", m.robots["robot1"].CurrentTaskID)
	assert.Equal(t, "factory/robot1/status", m.robots["robot1"].Topic)

	m.applyEvent(event(t, events.RobotReleased, events.RobotEvent{RobotID: "robot1"}))
	assert.NotContains(t, m.robots, "robot1")
}

func TestEventLogIsBounded(t *testing.T) {
	m := newTestModel()
	for i := 0; i < maxEventLog+10; i++ {
		m.applyEvent(event(t, "robot.status", events.RobotEvent{RobotID: "r"}))
	}
	assert.Len(t, m.eventLog, maxEventLog)
}

func TestSortedTasksFollowsDispatchOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tasks := map[string]*taskRow{
		"a": {ID: "a", Status: "pending", Priority: "low", CreatedAt: base},
		"b": {ID: "b", Status: "pending", Priority: "urgent", CreatedAt: base.Add(time.Minute)},
		"c": {ID: "c", Status: "completed", Priority: "urgent", CreatedAt: base},
		"d": {ID: "d", Status: "processing", Priority: "low", CreatedAt: base},
		"e": {ID: "e", Status: "pending", Priority: "urgent", CreatedAt: base},
	}
	var ids []string
	for _, r := range sortedTasks(tasks) {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"d", "e", "b", "a", "c"}, ids)
}

func TestUpdatePolledState(t *testing.T) {
	m := newTestModel()

	next, cmd := m.Update(healthMsg{Status: "ok", QueueDepth: 3, ProcessingTasks: 1, Broker: "connected", MonitorRunning: true})
	m = next.(Model)
	assert.NotNil(t, cmd, "next poll scheduled")
	assert.True(t, m.health.Connected)
	assert.Equal(t, 3, m.health.QueueDepth)

	next, _ = m.Update(tasksMsg{Tasks: []taskRow{{ID: "t1", Status: "pending"}, {ID: "t2", Status: "processing"}}})
	m = next.(Model)
	assert.Len(t, m.tasks, 2)
	assert.Len(t, m.taskTable.Rows(), 2)

	m.unresponsive["gone"] = true
	next, _ = m.Update(monitorMsg{Running: true, Robots: []robotRow{{RobotID: "robot1", Status: "IDLE"}}})
	m = next.(Model)
	assert.Contains(t, m.robots, "robot1")
	assert.NotContains(t, m.unresponsive, "gone")

	next, _ = m.Update(healthFailedMsg{err: assert.AnError})
	m = next.(Model)
	assert.False(t, m.health.Connected)
	assert.Equal(t, assert.AnError.Error(), m.lastError)
}

func TestViewRendersPanels(t *testing.T) {
	m := newTestModel()
	assert.Equal(t, "Connecting to foreman...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)
	m.applyEvent(event(t, events.TaskCreated, events.TaskEvent{TaskID: "task-1", ExternalOrderID: "SO-1", Status: "pending"}))
	m.applyEvent(event(t, events.RobotStatus, events.RobotEvent{RobotID: "robot1", Status: "IDLE"}))

	view := m.View()
	for _, want := range []string{"FOREMAN", "TASKS", "ROBOTS", "EVENT STREAM", "SO-1", "robot1"} {
		assert.Contains(t, view, want)
	}
}

func TestReadSSE(t *testing.T) {
	stream := "id: 1\nevent: task.created\ndata: {\"task_id\":\"t1\"}\n\n" +
		": keep-alive\n\n" +
		"id: 2\nevent: robot.status\ndata: {\"robot_id\":\"r1\"}\n\n"
	ch := make(chan events.Event, 4)
	readSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, events.TaskCreated, got[0].Type)
	assert.JSONEq(t, `{"task_id":"t1"}`, string(got[0].Data))
	assert.Equal(t, events.RobotStatus, got[1].Type)
}

func TestClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte(`{"status":"ok","queue_depth":2,"broker":"connected"}`))
		case "/tasks":
			_, _ = w.Write([]byte(`{"tasks":[{"id":"t1","externalOrderId":"SO-1","status":"pending"}],"count":1}`))
		case "/monitor":
			_, _ = w.Write([]byte(`{"running":true,"robots":[{"robot_id":"robot1","status":"IDLE"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", "key")

	h, ok := c.fetchHealth().(healthMsg)
	require.True(t, ok)
	assert.Equal(t, 2, h.QueueDepth)

	tasks, ok := c.fetchTasks().(tasksMsg)
	require.True(t, ok)
	require.Len(t, tasks.Tasks, 1)
	assert.Equal(t, "SO-1", tasks.Tasks[0].ExternalOrderID)

	mon, ok := c.fetchMonitor().(monitorMsg)
	require.True(t, ok)
	assert.True(t, mon.Running)

	bad := newClient(srv.URL, "wrong")
	_, failed := bad.fetchHealth().(healthFailedMsg)
	assert.True(t, failed)
	_, isErr := bad.fetchTasks().(errMsg)
	assert.True(t, isErr)
}
