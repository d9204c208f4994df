package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/task"
)

// TaskSource is the read side of the task store.
type TaskSource interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	Query(ctx context.Context, f task.Filters) ([]*task.Task, error)
}

// Report is the structured JSON representation of a task report.
type Report struct {
	TaskID          string          `json:"task_id"`
	ExternalOrderID string          `json:"external_order_id"`
	Channel         string          `json:"channel"`
	RobotTopic      string          `json:"robot_topic"`
	Status          string          `json:"status"`
	Priority        string          `json:"priority"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DispatchedAt    *time.Time      `json:"dispatched_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	// Order lists every task created for the same external order, oldest
	// first, including this one.
	Order []OrderEntry `json:"order"`
}

// OrderEntry is one task in an order's history.
type OrderEntry struct {
	TaskID    string    `json:"task_id"`
	Channel   string    `json:"channel"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Current   bool      `json:"current,omitempty"`
}

// BuildReport renders a terminal-friendly report for a task.
func BuildReport(ctx context.Context, src TaskSource, taskID string) (string, error) {
	report, err := gatherReportData(ctx, src, taskID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Task Report\n")
	fmt.Fprintf(&out, "Task ID     : %s\n", report.TaskID)
	fmt.Fprintf(&out, "Order       : %s\n", report.ExternalOrderID)
	fmt.Fprintf(&out, "Channel     : %s\n", report.Channel)
	fmt.Fprintf(&out, "Robot topic : %s\n", report.RobotTopic)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Priority    : %s\n", report.Priority)
	fmt.Fprintf(&out, "Created     : %s\n", formatTime(report.CreatedAt))
	fmt.Fprintf(&out, "Updated     : %s\n", formatTime(report.UpdatedAt))
	if report.DispatchedAt != nil {
		fmt.Fprintf(&out, "Dispatched  : %s (%s after creation)\n",
			formatTime(*report.DispatchedAt), report.DispatchedAt.Sub(report.CreatedAt).Round(time.Second))
	} else {
		fmt.Fprintf(&out, "Dispatched  : <never>\n")
	}
	fmt.Fprintf(&out, "Error       : %s\n", renderUnset(report.Error, "<none>"))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "payload :\n")
	writeIndented(&out, prettyJSON(report.Payload))
	if len(report.Metadata) > 0 {
		keys := make([]string, 0, len(report.Metadata))
		for k := range report.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&out, "metadata :\n")
		for _, k := range keys {
			v, _ := json.Marshal(report.Metadata[k])
			fmt.Fprintf(&out, "      %s = %s\n", k, v)
		}
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Order history (%d task(s))\n", len(report.Order))
	for i, e := range report.Order {
		marker := " "
		if e.Current {
			marker = "*"
		}
		fmt.Fprintf(&out, "%s[%d] %s  %-10s %s  %s\n", marker, i+1, e.TaskID, e.Status, formatTime(e.CreatedAt), e.Channel)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON task report.
func BuildJSONReport(ctx context.Context, src TaskSource, taskID string) (string, error) {
	report, err := gatherReportData(ctx, src, taskID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src TaskSource, taskID string) (*Report, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task id is required")
	}

	t, err := src.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("task %q not found", taskID)
		}
		return nil, fmt.Errorf("load task %q: %w", taskID, err)
	}

	report := &Report{
		TaskID:          t.ID,
		ExternalOrderID: t.ExternalOrderID,
		Channel:         t.Channel,
		RobotTopic:      protocol.BaseTopic(t.Channel),
		Status:          string(t.Status),
		Priority:        string(t.Priority),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		DispatchedAt:    t.DispatchedAt,
		Payload:         rawPayload(t.Payload),
		Metadata:        t.Metadata,
	}
	if t.Error != nil {
		report.Error = *t.Error
	}

	siblings, err := src.Query(ctx, task.Filters{ExternalOrderID: t.ExternalOrderID})
	if err != nil {
		return nil, fmt.Errorf("load order history: %w", err)
	}
	sort.SliceStable(siblings, func(i, j int) bool {
		return siblings[i].CreatedAt.Before(siblings[j].CreatedAt)
	})
	report.Order = make([]OrderEntry, 0, len(siblings))
	for _, s := range siblings {
		report.Order = append(report.Order, OrderEntry{
			TaskID:    s.ID,
			Channel:   s.Channel,
			Status:    string(s.Status),
			CreatedAt: s.CreatedAt,
			Current:   s.ID == t.ID,
		})
	}

	return report, nil
}

// rawPayload keeps valid JSON payloads as-is and quotes anything else.
func rawPayload(payload string) json.RawMessage {
	if payload == "" {
		return json.RawMessage("null")
	}
	if json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(payload)
	return quoted
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func writeIndented(out *strings.Builder, text string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fmt.Fprintf(out, "      %s\n", line)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
