package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/foreman/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	QueueDepth      int    `json:"queue_depth"`
	ProcessingTasks int    `json:"processing_tasks"`
	Broker          string `json:"broker"`
	MonitorRunning  bool   `json:"monitor_running"`
}

type taskRow struct {
	ID              string    `json:"id"`
	ExternalOrderID string    `json:"externalOrderId"`
	Channel         string    `json:"channel"`
	Status          string    `json:"status"`
	Priority        string    `json:"priority"`
	CreatedAt       time.Time `json:"createdAt"`
	Error           *string   `json:"error,omitempty"`
}

type tasksMsg struct {
	Tasks []taskRow `json:"tasks"`
}

type robotRow struct {
	RobotID       string    `json:"robot_id"`
	Topic         string    `json:"topic"`
	LastSeen      time.Time `json:"last_seen"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
}

type monitorMsg struct {
	Running          bool       `json:"running"`
	SubscribedTopics []string   `json:"subscribed_topics"`
	Robots           []robotRow `json:"robots"`
}

type tickMsg time.Time
type pollMsg struct{}

type errMsg error

// healthFailedMsg drives the poll retry when /healthz is unreachable.
type healthFailedMsg struct{ err error }

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// client talks to the foreman HTTP API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchHealth queries the /healthz endpoint.
func (c *client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.getJSON("/healthz", &h); err != nil {
		return healthFailedMsg{err: err}
	}
	return h
}

func (c *client) fetchTasks() tea.Msg {
	var t tasksMsg
	if err := c.getJSON("/tasks", &t); err != nil {
		return errMsg(err)
	}
	return t
}

func (c *client) fetchMonitor() tea.Msg {
	var m monitorMsg
	if err := c.getJSON("/monitor", &m); err != nil {
		return errMsg(err)
	}
	return m
}

// poll refreshes every panel.
func (c *client) poll() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return c.fetchHealth() },
		func() tea.Msg { return c.fetchTasks() },
		func() tea.Msg { return c.fetchMonitor() },
	)
}

// subscribeToEvents connects to the SSE /events endpoint and feeds events
// into ch. It returns sseDisconnectedMsg when the stream ends.
func (c *client) subscribeToEvents(ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		// No timeout: the stream stays open.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("GET /events: %s", resp.Status))
		}

		readSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses SSE frames from scanner until it is exhausted.
func readSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = events.Kind(line[7:])
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
