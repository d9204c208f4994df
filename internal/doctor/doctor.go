// Package doctor runs preflight checks against a loaded foreman config: the
// dispatcher lock, the task database and the broker.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/task"
)

// Result holds the outcome of a doctor run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	// Notes are informational findings, such as queue depth.
	Notes []Issue `json:"notes,omitempty"`
}

// Issue describes a single finding.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Dialer opens and closes a throwaway broker connection.
type Dialer func(ctx context.Context, cfg config.BrokerConfig) error

// Doctor checks the runtime environment a config points at.
type Doctor struct {
	cfg  *config.Config
	dial Dialer
	now  func() time.Time
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithDialer replaces the broker reachability probe.
func WithDialer(fn Dialer) Option {
	return func(d *Doctor) {
		if fn != nil {
			d.dial = fn
		}
	}
}

// WithClock overrides the time source used for overdue task detection.
func WithClock(now func() time.Time) Option {
	return func(d *Doctor) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Doctor for cfg.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, dial: dialNATS, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes every check and returns a result.
func (d *Doctor) Run(ctx context.Context) *Result {
	r := &Result{}

	d.checkLock(r)
	d.checkDatabase(ctx, r)
	d.checkBroker(ctx, r)
	d.checkSimulation(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addNote(r *Result, category, msg string) {
	r.Notes = append(r.Notes, Issue{Category: category, Message: msg})
}

// checkLock reports whether a dispatcher already runs against this config.
func (d *Doctor) checkLock(r *Result) {
	path := d.cfg.Service.LockPath
	if err := storage.RequireLocalFilesystem(path, "dispatcher lock", "service.lock_path"); err != nil {
		d.addError(r, "lock", "service.lock_path", err.Error())
		return
	}
	l, err := lock.Acquire(path)
	if err == nil {
		_ = l.Release()
		d.addNote(r, "lock", "no dispatcher running")
		return
	}
	if errors.Is(err, lock.ErrHeld) {
		if pid, ok := lock.HolderPID(path); ok {
			d.addNote(r, "lock", fmt.Sprintf("dispatcher running (pid %d)", pid))
		} else {
			d.addNote(r, "lock", "dispatcher running")
		}
		return
	}
	d.addWarning(r, "lock", "service.lock_path", err.Error())
}

// checkDatabase opens the task database and looks for work stuck past the
// task timeout.
func (d *Doctor) checkDatabase(ctx context.Context, r *Result) {
	path := d.cfg.State.Path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.addWarning(r, "database", "state.path", fmt.Sprintf("%s does not exist yet; it is created on first start", path))
		return
	}

	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		d.addError(r, "database", "state.path", err.Error())
		return
	}
	defer db.Close()

	store := task.NewStore(db)
	pending, err := store.Count(ctx, task.StatusPending)
	if err != nil {
		d.addError(r, "database", "", fmt.Sprintf("count pending tasks: %v", err))
		return
	}
	processing, err := store.Query(ctx, task.Filters{Status: task.StatusProcessing})
	if err != nil {
		d.addError(r, "database", "", fmt.Sprintf("query processing tasks: %v", err))
		return
	}
	d.addNote(r, "database", fmt.Sprintf("%d pending, %d processing", pending, len(processing)))

	cutoff := d.now().Add(-d.cfg.Monitor.TaskTimeout)
	overdue := 0
	for _, t := range processing {
		if t.DispatchedAt != nil && t.DispatchedAt.Before(cutoff) {
			overdue++
		}
	}
	if overdue > 0 {
		d.addWarning(r, "database", "monitor.task_timeout",
			fmt.Sprintf("%d processing task(s) dispatched more than %s ago; the monitor fails them on its next sweep", overdue, d.cfg.Monitor.TaskTimeout))
	}
}

func (d *Doctor) checkBroker(ctx context.Context, r *Result) {
	if d.cfg.Broker.Driver == config.BrokerMemory {
		d.addNote(r, "broker", "in-process memory broker; no network check")
		return
	}
	if err := d.dial(ctx, d.cfg.Broker); err != nil {
		d.addError(r, "broker", "broker.url", fmt.Sprintf("unreachable: %v", err))
		return
	}
	d.addNote(r, "broker", fmt.Sprintf("reachable at %s", d.cfg.Broker.URL))
}

func (d *Doctor) checkSimulation(r *Result) {
	if !d.cfg.Simulation.Enabled {
		return
	}
	if d.cfg.Broker.Driver == config.BrokerNATS {
		d.addWarning(r, "simulation", "simulation.enabled",
			fmt.Sprintf("%d simulated robot(s) will attach to a shared broker", len(d.cfg.Simulation.Robots)))
	}
}

func dialNATS(ctx context.Context, cfg config.BrokerConfig) error {
	t := broker.NewNATSTransport(broker.NATSConfig{
		URL:            cfg.URL,
		ClientName:     cfg.ClientName + "-doctor",
		Username:       cfg.Username,
		Password:       cfg.Password,
		Token:          cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxReconnects:  0,
	})
	if err := t.Connect(ctx, broker.TransportEvents{}); err != nil {
		return err
	}
	return t.Close()
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("All checks passed.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Checks passed (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Checks failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	for _, n := range r.Notes {
		writeIssue(&b, "OK   ", n)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
	} else {
		fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
