package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/doctor"
	"github.com/mattjoyce/foreman/internal/inspect"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/task"
	"github.com/mattjoyce/foreman/internal/tui/watch"
)

type checkOutput struct {
	Path      string   `json:"path"`
	Valid     bool     `json:"valid"`
	Integrity string   `json:"integrity,omitempty"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := config.Check(configPath)

	if jsonOut {
		out := checkOutput{
			Path:      report.Path,
			Valid:     report.Valid,
			Integrity: report.Integrity,
			Errors:    nonNil(report.Errors),
			Warnings:  nonNil(report.Warnings),
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printCheckReport(os.Stdout, report)
	}

	if !report.Valid {
		return 1
	}
	if strict && len(report.Warnings) > 0 {
		return 2
	}
	return 0
}

func printCheckReport(w io.Writer, r *config.CheckReport) {
	fmt.Fprintf(w, "Config: %s\n", r.Path)
	if r.Integrity != "" {
		fmt.Fprintf(w, "Integrity: %s\n", r.Integrity)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  ERROR   %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  WARNING %s\n", warn)
	}
	if r.Valid {
		fmt.Fprintln(w, "Configuration valid.")
	} else {
		fmt.Fprintln(w, "Configuration invalid.")
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func runSystemDoctor(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := doctor.New(cfg).Run(ctx)
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	// Refuse to pin a file that would not load.
	if report := config.Check(*configPath); !report.Valid {
		errs := report.Errors
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config:\n  %s\n", strings.Join(errs, "\n  "))
		return 1
	}

	lr, err := config.Lock(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n", lr.ConfigPath)
	fmt.Printf("  blake3: %s\n", lr.Hash)
	fmt.Printf("  manifest: %s\n", lr.ChecksumPath)
	return 0
}

type taskListItem struct {
	ID              string         `json:"id"`
	ExternalOrderID string         `json:"external_order_id"`
	Channel         string         `json:"channel"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority"`
	CreatedAt       time.Time      `json:"created_at"`
	DispatchedAt    *time.Time     `json:"dispatched_at,omitempty"`
	Error           *string        `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func runTaskList(args []string) int {
	var configPath, status string
	var jsonOut bool

	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration")
	fs.StringVar(&status, "status", "", "Only list tasks in this status")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	filters := task.Filters{Status: task.Status(status)}
	if status != "" && !filters.Status.Valid() {
		fmt.Fprintf(os.Stderr, "Unknown status %q\n", status)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	tasks, err := task.NewStore(db).Query(ctx, filters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query tasks: %v\n", err)
		return 1
	}

	if jsonOut {
		items := make([]taskListItem, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, taskListItem{
				ID:              t.ID,
				ExternalOrderID: t.ExternalOrderID,
				Channel:         t.Channel,
				Status:          string(t.Status),
				Priority:        string(t.Priority),
				CreatedAt:       t.CreatedAt,
				DispatchedAt:    t.DispatchedAt,
				Error:           t.Error,
				Metadata:        t.Metadata,
			})
		}
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	printTaskTable(os.Stdout, tasks)
	return 0
}

func runTaskInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath, "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	// Allow the task id before or after the flags.
	var taskID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		taskID, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if taskID == "" && fs.NArg() > 0 {
		taskID = fs.Arg(0)
	}
	if taskID == "" {
		printTaskInspectHelp(os.Stderr)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := task.NewStore(db)
	var out string
	if jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, taskID)
	} else {
		out, err = inspect.BuildReport(ctx, store, taskID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if jsonOut {
		fmt.Println()
	}
	return 0
}

func printTaskTable(w io.Writer, tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORDER\tCHANNEL\tSTATUS\tPRIORITY\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.ExternalOrderID, t.Channel, t.Status, t.Priority,
			t.CreatedAt.UTC().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("url", "http://127.0.0.1:8080", "Foreman API base URL")
	apiKey := fs.String("api-key", os.Getenv("FOREMAN_API_KEY"), "Bearer token (default $FOREMAN_API_KEY)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
		return 1
	}
	return 0
}
