package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/events"
)

// applyRobotEvent folds a robot.* event into robots.
func applyRobotEvent(robots map[string]*robotRow, unresponsive map[string]bool, e events.Event) {
	data, ok := e.Robot()
	if !ok {
		return
	}

	switch e.Type {
	case events.RobotReleased:
		delete(robots, data.RobotID)
		delete(unresponsive, data.RobotID)
		return
	case events.RobotUnresponsive:
		unresponsive[data.RobotID] = true
	case events.RobotStatus:
		delete(unresponsive, data.RobotID)
	}

	row, ok := robots[data.RobotID]
	if !ok {
		row = &robotRow{RobotID: data.RobotID}
		robots[data.RobotID] = row
	}
	if data.Topic != "" {
		row.Topic = data.Topic
	}
	if data.Status != "" {
		row.Status = data.Status
	}
	row.CurrentTaskID = data.CurrentTaskID
	if e.Type != events.RobotUnresponsive {
		row.LastSeen = e.At
	}
}

func renderRobots(robots map[string]*robotRow, unresponsive map[string]bool, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4
	if len(robots) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("ROBOTS"),
			theme.Dim.Render("  No robots tracked"),
		))
	}

	ids := make([]string, 0, len(robots))
	for id := range robots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		r := robots[id]
		style := theme.StatusOK
		switch {
		case unresponsive[id]:
			style = theme.StatusFailed
		case r.Status == "PROCESSING":
			style = theme.StatusRunning
		case r.Status == "ERROR":
			style = theme.StatusFailed
		case r.Status == "UNKNOWN" || r.Status == "":
			style = theme.StatusQueued
		}

		seen := "-"
		if !r.LastSeen.IsZero() {
			seen = now.Sub(r.LastSeen).Round(time.Second).String() + " ago"
		}
		line := fmt.Sprintf("%-14s %s  seen %-10s task %s",
			id, style.Render(fmt.Sprintf("%-10s", orDash(r.Status))), seen, orDash(r.CurrentTaskID))
		if unresponsive[id] {
			line += " " + theme.StatusFailed.Render("not responding")
		}
		lines = append(lines, line)
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("ROBOTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}
