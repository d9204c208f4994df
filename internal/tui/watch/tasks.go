package watch

import (
	"sort"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/events"
)

var priorityOrder = map[string]int{"urgent": 3, "high": 2, "normal": 1, "low": 0}

func newTaskTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Order", Width: 14},
			{Title: "Channel", Width: 24},
			{Title: "Priority", Width: 8},
			{Title: "Status", Width: 10},
			{Title: "ID", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// applyTaskEvent folds a task.* event into tasks.
func applyTaskEvent(tasks map[string]*taskRow, e events.Event) {
	data, ok := e.Task()
	if !ok {
		return
	}

	if e.Type == events.TaskDeleted {
		delete(tasks, data.TaskID)
		return
	}

	row, ok := tasks[data.TaskID]
	if !ok {
		row = &taskRow{ID: data.TaskID, CreatedAt: e.At}
		tasks[data.TaskID] = row
	}
	if data.ExternalOrderID != "" {
		row.ExternalOrderID = data.ExternalOrderID
	}
	if data.Channel != "" {
		row.Channel = data.Channel
	}
	if data.Priority != "" {
		row.Priority = data.Priority
	}
	if data.Status != "" {
		row.Status = data.Status
	}
	if data.Error != "" {
		msg := data.Error
		row.Error = &msg
	}
}

// sortedTasks orders rows the way the dispatcher picks them: open work
// first, then priority, then age.
func sortedTasks(tasks map[string]*taskRow) []*taskRow {
	out := make([]*taskRow, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := openRank(out[i].Status), openRank(out[j].Status)
		if oi != oj {
			return oi > oj
		}
		pi, pj := priorityOrder[out[i].Priority], priorityOrder[out[j].Priority]
		if pi != pj {
			return pi > pj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func openRank(status string) int {
	switch status {
	case "processing":
		return 2
	case "pending":
		return 1
	}
	return 0
}

func statusGlyph(status string, theme Theme) string {
	switch status {
	case "pending":
		return theme.StatusQueued.Render("○")
	case "processing":
		return theme.StatusRunning.Render("◉")
	case "completed":
		return theme.StatusOK.Render("●")
	case "failed":
		return theme.StatusFailed.Render("∅")
	case "cancelled":
		return theme.StatusMuted.Render("◌")
	}
	return "?"
}

func taskRows(tasks map[string]*taskRow, theme Theme) []table.Row {
	var rows []table.Row
	for _, t := range sortedTasks(tasks) {
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			statusGlyph(t.Status, theme),
			t.ExternalOrderID,
			t.Channel,
			t.Priority,
			t.Status,
			id,
		})
	}
	return rows
}

func renderTasks(tbl table.Model, count int, theme Theme, width int) string {
	body := tbl.View()
	if count == 0 {
		body = theme.Dim.Render("  No tasks")
	}
	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("TASKS"), body),
	)
}
