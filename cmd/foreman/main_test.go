package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/broker"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/task"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	body := "state:\n  path: " + filepath.Join(dir, "foreman.db") + "\n" +
		"service:\n  lock_path: " + filepath.Join(dir, "foreman.lock") + "\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestRunHelpAndVersion(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int { return run([]string{"help"}) })
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "foreman <noun> <action>")

	code, stdout, _ = captureOutputWithExitCode(t, func() int { return run([]string{"version"}) })
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, version)
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return run([]string{"frobnicate"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, stderr = captureOutputWithExitCode(t, func() int { return run([]string{"task", "purge"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown task action: purge")
}

func TestNounHelp(t *testing.T) {
	for _, argv := range [][]string{
		{"system", "help"},
		{"config", "--help"},
		{"task", "-h"},
		{"config", "check", "--help"},
		{"task", "list", "-h"},
		{"watch", "--help"},
	} {
		code, stdout, _ := captureOutputWithExitCode(t, func() int { return run(argv) })
		assert.Equal(t, 0, code, "argv %v", argv)
		assert.Contains(t, stdout, "Usage: foreman", "argv %v", argv)
	}
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Integrity: unlocked")
	assert.Contains(t, stdout, "Configuration valid.")

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--strict"})
	})
	assert.Equal(t, 2, code, "warnings fail strict mode")
}

func TestConfigCheckJSONInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: loud\n"), 0600))

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--json"})
	})
	assert.Equal(t, 1, code)

	var out checkOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.False(t, out.Valid)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, strings.Join(out.Errors, "\n"), "log_level")
}

func TestConfigLockThenTamper(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "blake3:")

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Integrity: verified")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Integrity: failed")
}

func TestConfigLockRefusesInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  queue_check_interval: 0s\n"), 0600))

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Refusing to lock")
	_, err := os.Stat(filepath.Join(dir, ".checksums"))
	assert.True(t, os.IsNotExist(err))
}

func TestTaskList(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "foreman.db"))
	require.NoError(t, err)
	store := task.NewStore(db)
	require.NoError(t, store.Create(ctx, &task.Task{
		ID: "t-low", ExternalOrderID: "MO-1", Channel: "robots/a/task",
		Payload: "{}", Status: task.StatusPending, Priority: task.PriorityLow,
	}))
	require.NoError(t, store.Create(ctx, &task.Task{
		ID: "t-urgent", ExternalOrderID: "MO-2", Channel: "robots/b/task",
		Payload: "{}", Status: task.StatusPending, Priority: task.PriorityUrgent,
	}))
	require.NoError(t, store.Create(ctx, &task.Task{
		ID: "t-done", ExternalOrderID: "MO-3", Channel: "robots/a/task",
		Payload: "{}", Status: task.StatusCompleted, Priority: task.PriorityNormal,
	}))
	require.NoError(t, db.Close())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runTaskList([]string{"--config", path, "--status", "pending", "--json"})
	})
	require.Equal(t, 0, code, stderr)

	var items []taskListItem
	require.NoError(t, json.Unmarshal([]byte(stdout), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "t-urgent", items[0].ID)
	assert.Equal(t, "t-low", items[1].ID)

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runTaskList([]string{"--config", path})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "t-done")
	assert.Contains(t, stdout, "PRIORITY")
}

func TestTaskListRejectsUnknownStatus(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runTaskList([]string{"--status", "lost"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `Unknown status "lost"`)
}

func TestNewTransportSelectsDriver(t *testing.T) {
	mem := broker.NewMemoryBroker()
	cfg := config.Defaults().Broker

	_, isNATS := newTransport(cfg, nil, "").(*broker.NATSTransport)
	assert.True(t, isNATS)

	cfg.Driver = config.BrokerMemory
	_, isMem := newTransport(cfg, mem, "-sim").(*broker.MemoryTransport)
	assert.True(t, isMem)
}

func TestTaskInspect(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "foreman.db"))
	require.NoError(t, err)
	require.NoError(t, task.NewStore(db).Create(ctx, &task.Task{
		ID: "t-1", ExternalOrderID: "MO-1", Channel: "robots/a/task",
		Payload: `{"step":1}`, Status: task.StatusPending, Priority: task.PriorityNormal,
	}))
	require.NoError(t, db.Close())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return run([]string{"task", "inspect", "t-1", "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Task Report")
	assert.Contains(t, stdout, "robots/a")

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runTaskInspect([]string{"--config", path, "nope"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `task "nope" not found`)
}

func TestSystemDoctorMemoryBroker(t *testing.T) {
	dir := t.TempDir()
	body := "state:\n  path: " + filepath.Join(dir, "foreman.db") + "\n" +
		"service:\n  lock_path: " + filepath.Join(dir, "foreman.lock") + "\n" +
		"broker:\n  driver: memory\n" +
		"simulation:\n  enabled: true\n  robots:\n    - factory/robot-1\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return run([]string{"system", "doctor", "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "in-process memory broker")
	assert.Contains(t, stdout, "no dispatcher running")
}
