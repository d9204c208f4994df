package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks foreman health from /healthz polling.
type HealthState struct {
	Status          string
	UptimeSeconds   int64
	QueueDepth      int
	ProcessingTasks int
	Broker          string
	MonitorRunning  bool
	Connected       bool
	LastCheck       time.Time
}

var tickerFrames = []string{"⟲", "⟳"}

func renderHeader(health HealthState, frame int, activity pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	broker := theme.StatusOK.Render(health.Broker)
	if health.Broker != "connected" {
		broker = theme.StatusFailed.Render(orDash(health.Broker))
	}
	monitor := theme.StatusOK.Render("running")
	if !health.MonitorRunning {
		monitor = theme.StatusMuted.Render("stopped")
	}

	lastEvent := "never"
	if !activity.lastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.lastEvent).Round(time.Second))
	}

	title := fmt.Sprintf(" FOREMAN %s", theme.Highlight.Render(tickerFrames[frame%len(tickerFrames)]))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Pending: %d  Processing: %d  Broker: %s  Monitor: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.QueueDepth,
		health.ProcessingTasks,
		broker,
		monitor,
	)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
