package robot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/protocol"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists the catalog in the SQLite robots table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for updated_at stamps.
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

// Sync replaces the whole catalog with robots in one transaction. The
// payload is validated first; a rejected payload leaves the catalog as it
// was. Topics are normalized to their base form and a missing status is
// recorded as UNKNOWN.
func (s *Store) Sync(ctx context.Context, robots []Robot) ([]Robot, error) {
	normalized, err := normalize(robots)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM robots;`); err != nil {
		return nil, fmt.Errorf("clear robots: %w", err)
	}
	now := s.now().UTC()
	for i := range normalized {
		normalized[i].UpdatedAt = now
		r := normalized[i]
		if _, err := tx.ExecContext(ctx, `
INSERT INTO robots(id, name, topic, status, updated_at)
VALUES(?, ?, ?, ?, ?);
`, r.ID, r.Name, r.Topic, r.Status, now.Format(timeLayout)); err != nil {
			return nil, fmt.Errorf("insert robot %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return normalized, nil
}

func normalize(robots []Robot) ([]Robot, error) {
	var problems []string
	ids := make(map[string]struct{}, len(robots))
	topics := make(map[string]string, len(robots))
	out := make([]Robot, 0, len(robots))
	for i, r := range robots {
		r.ID = strings.TrimSpace(r.ID)
		r.Name = strings.TrimSpace(r.Name)
		r.Topic = protocol.BaseTopic(strings.TrimSuffix(strings.TrimSpace(r.Topic), "/status"))
		if r.Status == "" {
			r.Status = StatusUnknown
		}

		switch {
		case r.ID == "":
			problems = append(problems, fmt.Sprintf("robots[%d]: id is required", i))
			continue
		case r.Name == "":
			problems = append(problems, fmt.Sprintf("robots[%d]: name is required", i))
		case r.Topic == "":
			problems = append(problems, fmt.Sprintf("robots[%d]: topic is required", i))
		case !r.Status.Valid():
			problems = append(problems, fmt.Sprintf("robots[%d]: unknown status %q", i, r.Status))
		}
		if _, dup := ids[r.ID]; dup {
			problems = append(problems, fmt.Sprintf("robots[%d]: duplicate id %q", i, r.ID))
		}
		ids[r.ID] = struct{}{}
		if owner, dup := topics[r.Topic]; dup && r.Topic != "" {
			problems = append(problems, fmt.Sprintf("robots[%d]: topic %q already belongs to %q", i, r.Topic, owner))
		}
		topics[r.Topic] = r.ID
		out = append(out, r)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return out, nil
}

// List returns every catalog entry ordered by id.
func (s *Store) List(ctx context.Context) ([]Robot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, topic, status, updated_at FROM robots ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var out []Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the entry with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Robot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, topic, status, updated_at FROM robots WHERE id = ?;`, id)
	r, err := scanRobot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Robot{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRobot(sc scanner) (Robot, error) {
	var (
		r         Robot
		status    string
		updatedAt string
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Topic, &status, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Robot{}, err
		}
		return Robot{}, fmt.Errorf("scan robot: %w", err)
	}
	r.Status = Status(status)
	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return Robot{}, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	r.UpdatedAt = t
	return r, nil
}
