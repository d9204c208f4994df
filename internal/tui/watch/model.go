package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/events"
)

const (
	pollInterval = 5 * time.Second
	maxEventLog  = 50
)

// Model is the BubbleTea model for the dashboard.
type Model struct {
	client *client

	width  int
	height int

	health       HealthState
	tasks        map[string]*taskRow
	robots       map[string]*robotRow
	unresponsive map[string]bool
	eventLog     []events.Event

	frame    int
	activity pulse
	now      func() time.Time

	theme     Theme
	taskTable table.Model

	hubEvents chan events.Event
	lastError string
}

// New creates a dashboard against the API at apiURL.
func New(apiURL, apiKey string) *Model {
	return &Model{
		client:       newClient(apiURL, apiKey),
		tasks:        make(map[string]*taskRow),
		robots:       make(map[string]*robotRow),
		unresponsive: make(map[string]bool),
		hubEvents:    make(chan events.Event, 100),
		now:          time.Now,
		theme:        NewDefaultTheme(),
		taskTable:    newTaskTable(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeToEvents(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.poll(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.client.poll()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.taskTable.SetWidth(m.width - 6)
		if h := m.height/2 - 6; h > 3 {
			m.taskTable.SetHeight(h)
		}

	case tickMsg:
		m.frame++
		m.activity.decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case pollMsg:
		return m, m.client.poll()

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = HealthState{
			Status:          msg.Status,
			UptimeSeconds:   msg.UptimeSeconds,
			QueueDepth:      msg.QueueDepth,
			ProcessingTasks: msg.ProcessingTasks,
			Broker:          msg.Broker,
			MonitorRunning:  msg.MonitorRunning,
			Connected:       true,
			LastCheck:       m.now(),
		}
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })

	case tasksMsg:
		m.tasks = make(map[string]*taskRow, len(msg.Tasks))
		for i := range msg.Tasks {
			t := msg.Tasks[i]
			m.tasks[t.ID] = &t
		}
		m.taskTable.SetRows(taskRows(m.tasks, m.theme))

	case monitorMsg:
		robots := make(map[string]*robotRow, len(msg.Robots))
		for i := range msg.Robots {
			r := msg.Robots[i]
			robots[r.RobotID] = &r
		}
		m.robots = robots
		for id := range m.unresponsive {
			if _, ok := robots[id]; !ok {
				delete(m.unresponsive, id)
			}
		}

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel, so
		// only the subscription is restarted.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribeToEvents(m.hubEvents)

	case healthFailedMsg:
		m.lastError = msg.err.Error()
		m.health.Connected = false
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })

	case errMsg:
		m.lastError = msg.Error()
	}

	var cmd tea.Cmd
	m.taskTable, cmd = m.taskTable.Update(msg)
	return m, cmd
}

// applyEvent records e in the log and folds it into the task and robot views.
func (m *Model) applyEvent(e events.Event) {
	if e.At.IsZero() {
		e.At = m.now()
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.activity.hit(m.now())
	m.health.Connected = true
	m.lastError = ""

	switch e.Type.Category() {
	case events.CategoryTask:
		applyTaskEvent(m.tasks, e)
		m.taskTable.SetRows(taskRows(m.tasks, m.theme))
	case events.CategoryRobot:
		applyRobotEvent(m.robots, m.unresponsive, e)
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to foreman..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.frame, m.activity, m.theme, m.width, now),
		renderTasks(m.taskTable, len(m.tasks), m.theme, m.width),
		renderRobots(m.robots, m.unresponsive, m.theme, m.width, now),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll tasks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
