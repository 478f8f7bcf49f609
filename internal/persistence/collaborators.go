package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session and Task are minimal stand-ins for records owned by the task
// tracker. They exist so ownership cascades are enforced by foreign keys.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateSession inserts a session. An empty id gets a fresh uuid.
func (s *Store) CreateSession(ctx context.Context, id, title string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := formatTime(s.Now())
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?);
		`, id, title, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// EnsureSession creates the session if it does not exist yet.
func (s *Store) EnsureSession(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	now := formatTime(s.Now())
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, title, created_at, updated_at)
			VALUES (?, '', ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, id, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?;
	`, id).Scan(&sess.ID, &sess.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session. Its notifications are deleted and its
// scheduled tasks keep running with session_id cleared.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "sessions", id)
}

// CreateTask inserts a task. An empty id gets a fresh uuid.
func (s *Store) CreateTask(ctx context.Context, id, title string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := formatTime(s.Now())
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?);
		`, id, title, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM tasks WHERE id = ?;
	`, id).Scan(&task.ID, &task.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task and, by cascade, all of its scheduled entries.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "tasks", id)
}

// table is always a compile-time constant from this package.
func (s *Store) deleteByID(ctx context.Context, table, id string) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}
