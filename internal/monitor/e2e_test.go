package monitor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/dispatch/mocks"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/monitor"
	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/task"
)

type stack struct {
	svc      *dispatch.Service
	mon      *monitor.Monitor
	mem      *broker.MemoryBroker
	robot    *broker.Client
	notifier *mocks.MockNotifier
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctrl := gomock.NewController(t)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem := broker.NewMemoryBroker()
	client := broker.NewClient(mem.Transport(), 0)
	robot := broker.NewClient(mem.Transport(), 0)
	t.Cleanup(func() {
		_ = client.Close()
		_ = robot.Close()
	})
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, robot.Connect(context.Background()))

	hub := events.NewHub(64)
	notifier := mocks.NewMockNotifier(ctrl)
	svc := dispatch.New(task.NewStore(db), client, notifier, hub, dispatch.Config{})
	t.Cleanup(svc.Wait)
	mon := monitor.New(svc, client, hub, monitor.Config{Acknowledge: true})
	t.Cleanup(mon.Stop)

	return &stack{svc: svc, mon: mon, mem: mem, robot: robot, notifier: notifier}
}

func (s *stack) runScenario(t *testing.T, status protocol.RobotStatus, wantTask task.Status, wantOrder string) {
	t.Helper()
	ctx := context.Background()

	created, err := s.svc.CreateTask(ctx, dispatch.CreateTaskRequest{
		ExternalOrderID: "MO-1",
		Channel:         "robotA",
		Payload:         "X",
	})
	require.NoError(t, err)

	next, err := s.svc.GetNextPendingTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, created.ID, next.ID)

	ok, err := s.svc.ProcessTask(ctx, next.ID)
	require.NoError(t, err)
	require.True(t, ok)

	sent := s.mem.Published("robotA/task")
	require.Len(t, sent, 1)
	env, err := protocol.DecodeDispatch(sent[0])
	require.NoError(t, err)
	assert.Equal(t, created.ID, env.TaskID)
	assert.Equal(t, "X", env.Payload)

	got, err := s.svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)

	s.mon.DiscoverActiveRobots(ctx)
	require.Equal(t, 1, s.mem.SubscriptionCount("robotA/status"))

	done := make(chan struct{})
	s.notifier.EXPECT().UpdateOrderStatus(gomock.Any(), "MO-1", wantOrder, created.ID).
		DoAndReturn(func(context.Context, string, string, string) bool {
			close(done)
			return true
		}).Times(1)

	report, err := protocol.EncodeStatus(status, created.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.robot.Publish(ctx, "robotA/status", report))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("erp was not notified")
	}
	require.Eventually(t, func() bool {
		return s.mem.SubscriptionCount("robotA/status") == 0
	}, time.Second, 5*time.Millisecond)

	got, err = s.svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, wantTask, got.Status)
	assert.Empty(t, s.mon.RegisteredRobots())
	assert.Len(t, s.mem.Published("robotA/ack"), 1)
}

func TestEndToEndSuccess(t *testing.T) {
	s := newStack(t)
	s.runScenario(t, protocol.RobotSuccess, task.StatusCompleted, "done")
}

func TestEndToEndError(t *testing.T) {
	s := newStack(t)
	s.runScenario(t, protocol.RobotError, task.StatusFailed, "failed")
}

func TestTwoTasksSameChannelOneSubscription(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		created, err := s.svc.CreateTask(ctx, dispatch.CreateTaskRequest{
			ExternalOrderID: "MO-2",
			Channel:         "robotA",
			Payload:         "X",
		})
		require.NoError(t, err)
		ok, err := s.svc.ProcessTask(ctx, created.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	s.mon.DiscoverActiveRobots(ctx)
	s.mon.DiscoverActiveRobots(ctx)

	assert.Equal(t, 1, s.mem.SubscriptionCount("robotA/status"))
	assert.Equal(t, []string{"robotA/status"}, s.mon.SubscribedTopics())
}

func TestTimeoutSweepFailsOnceAndNotifies(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	created, err := s.svc.CreateTask(ctx, dispatch.CreateTaskRequest{
		ExternalOrderID: "MO-3",
		Channel:         "robotA",
		Payload:         "X",
	})
	require.NoError(t, err)
	ok, err := s.svc.ProcessTask(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)

	s.notifier.EXPECT().UpdateOrderStatus(gomock.Any(), "MO-3", "failed", created.ID).Return(true).Times(1)

	late := monitor.New(s.svc, nil, nil, monitor.Config{TaskTimeout: 10 * time.Minute},
		monitor.WithClock(func() time.Time { return time.Now().Add(11 * time.Minute) }))
	late.TimeoutSweep(ctx)
	late.TimeoutSweep(ctx)
	s.svc.Wait()

	got, err := s.svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Task timeout: no robot response after 10 minutes", *got.Error)
}
