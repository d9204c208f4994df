package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, external_order_id, channel, payload, status, priority,
  created_at, updated_at, dispatched_at, error, metadata`

// Store persists tasks in the SQLite tasks table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for updated_at/dispatched_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Create inserts a new task row. A colliding id is an error.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	var metadata any
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	var dispatchedAt any
	if t.DispatchedAt != nil {
		dispatchedAt = formatTime(*t.DispatchedAt)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks(`+taskColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, t.ID, t.ExternalOrderID, t.Channel, t.Payload, t.Status, t.Priority.Rank(),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), dispatchedAt, t.Error, metadata)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get returns the task with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, s.db, id)
}

// Query returns tasks matching f ordered by priority descending, then
// creation time ascending, then insertion order.
func (s *Store) Query(ctx context.Context, f Filters) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, f.Priority.Rank())
	}
	if f.ExternalOrderID != "" {
		where = append(where, "external_order_id = ?")
		args = append(args, f.ExternalOrderID)
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}

	q := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at ASC, rowid ASC;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// Update applies the supplied fields and returns the refreshed task. Terminal
// tasks are immutable, a status change must be an edge of the state machine,
// and an error may only be recorded on a task that ends up failed. The write
// is guarded on the status read, so a concurrent transition yields
// ErrStatusConflict.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != nil && *u.Status == cur.Status {
		u.Status = nil
	}
	if u.empty() {
		return cur, nil
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, cur.Status)
	}
	next := cur.Status
	if u.Status != nil {
		if !CanTransition(cur.Status, *u.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, *u.Status)
		}
		next = *u.Status
	}
	if u.Error != nil && next != StatusFailed {
		return nil, fmt.Errorf("%w: error can only be recorded on a failed task", ErrInvalidTransition)
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.now())}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if u.DispatchedAt != nil {
		sets = append(sets, "dispatched_at = ?")
		args = append(args, formatTime(*u.DispatchedAt))
	}
	if len(u.Metadata) > 0 {
		merged := make(map[string]any, len(cur.Metadata)+len(u.Metadata))
		maps.Copy(merged, cur.Metadata)
		maps.Copy(merged, u.Metadata)
		b, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(b))
	}
	args = append(args, id, cur.Status)

	res, err := tx.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?;", args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("update rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: task %s is no longer %s", ErrStatusConflict, id, cur.Status)
	}

	updated, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

// Transition moves a task from one status to another only if its stored
// status is still from. Entering processing stamps dispatched_at. errMsg, if
// non-nil, is recorded on the row.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, errMsg *string) (*Task, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(s.now())
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	if to == StatusProcessing {
		sets = append(sets, "dispatched_at = ?")
		args = append(args, now)
	}
	if errMsg != nil {
		sets = append(sets, "error = ?")
		args = append(args, *errMsg)
	}
	args = append(args, id, from)

	res, err := tx.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?;", args...)
	if err != nil {
		return nil, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition rows affected: %w", err)
	}

	updated, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", ErrStatusConflict, id, updated.Status, from)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

// Delete removes the task row, or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?;", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of tasks in status, or all tasks when status is empty.
func (s *Store) Count(ctx context.Context, status Status) (int, error) {
	q := "SELECT COUNT(*) FROM tasks"
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q+";", args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getTask(ctx context.Context, q queryRower, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?;", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t             Task
		statusS       string
		priority      int
		createdAtS    string
		updatedAtS    string
		dispatchedAtS sql.NullString
		lastError     sql.NullString
		metadata      sql.NullString
	)
	err := r.Scan(
		&t.ID, &t.ExternalOrderID, &t.Channel, &t.Payload, &statusS, &priority,
		&createdAtS, &updatedAtS, &dispatchedAtS, &lastError, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = Status(statusS)
	t.Priority = priorityFromRank(priority)
	if ts, err := time.Parse(timeLayout, createdAtS); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(timeLayout, updatedAtS); err == nil {
		t.UpdatedAt = ts
	}
	if dispatchedAtS.Valid {
		if ts, err := time.Parse(timeLayout, dispatchedAtS.String); err == nil {
			t.DispatchedAt = &ts
		}
	}
	if lastError.Valid {
		t.Error = &lastError.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}
