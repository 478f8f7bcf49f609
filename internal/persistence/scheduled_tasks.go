package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-schedd/internal/bus"
	"github.com/google/uuid"
)

const DefaultMaxRetries = 3

const scheduledTaskColumns = `id, task_id, session_id, execute_at, status, locked_until, lease_owner,
	attempt, max_retries, error_message, created_at, updated_at`

type ScheduledTask struct {
	ID           string              `json:"id"`
	TaskID       string              `json:"task_id"`
	SessionID    string              `json:"session_id,omitempty"`
	ExecuteAt    time.Time           `json:"execute_at"`
	Status       ScheduledTaskStatus `json:"status"`
	LockedUntil  *time.Time          `json:"locked_until,omitempty"`
	LeaseOwner   string              `json:"lease_owner,omitempty"`
	Attempt      int                 `json:"attempt"`
	MaxRetries   int                 `json:"max_retries"`
	ErrorMessage string              `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewScheduledTask describes a "run task at time T" declaration.
type NewScheduledTask struct {
	TaskID    string
	SessionID string
	ExecuteAt time.Time
	// MaxRetries bounds reclaims and retries. Nil selects DefaultMaxRetries;
	// a pointer to 0 means the task never retries.
	MaxRetries *int
}

type RecoveryReport struct {
	Running        int           `json:"running"`
	Orphaned       int           `json:"orphaned"`
	OldestOrphaned time.Duration `json:"oldest_orphaned"`
}

func scanScheduledTask(scanFn func(dest ...any) error, st *ScheduledTask) error {
	var (
		sessionID, lockedUntil, leaseOwner, errMsg sql.NullString
		status, executeAt, created, updated        string
	)
	if err := scanFn(
		&st.ID,
		&st.TaskID,
		&sessionID,
		&executeAt,
		&status,
		&lockedUntil,
		&leaseOwner,
		&st.Attempt,
		&st.MaxRetries,
		&errMsg,
		&created,
		&updated,
	); err != nil {
		return err
	}
	var err error
	if st.Status, err = ParseStatus(status); err != nil {
		return err
	}
	if st.ExecuteAt, err = parseTime(executeAt); err != nil {
		return err
	}
	if st.LockedUntil, err = parseNullTime(lockedUntil); err != nil {
		return err
	}
	if st.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return err
	}
	st.SessionID = sessionID.String
	st.LeaseOwner = leaseOwner.String
	st.ErrorMessage = errMsg.String
	return nil
}

func queryScheduledTasks(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, query string, args ...any) ([]ScheduledTask, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var st ScheduledTask
		if err := scanScheduledTask(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func rowExistsTx(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateScheduledTask records a pending scheduled task for an existing task.
func (s *Store) CreateScheduledTask(ctx context.Context, req NewScheduledTask) (*ScheduledTask, error) {
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if req.ExecuteAt.IsZero() {
		return nil, fmt.Errorf("execute_at is required")
	}
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must be >= 0, got %d", *req.MaxRetries)
		}
		maxRetries = *req.MaxRetries
	}

	now := s.Now()
	st := &ScheduledTask{
		ID:         uuid.NewString(),
		TaskID:     req.TaskID,
		SessionID:  req.SessionID,
		ExecuteAt:  req.ExecuteAt.UTC(),
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := rowExistsTx(ctx, tx, "tasks", req.TaskID)
		if err != nil {
			return fmt.Errorf("lookup task: %w", err)
		}
		if !ok {
			return fmt.Errorf("task %s: %w", req.TaskID, ErrNotFound)
		}
		if req.SessionID != "" {
			ok, err := rowExistsTx(ctx, tx, "sessions", req.SessionID)
			if err != nil {
				return fmt.Errorf("lookup session: %w", err)
			}
			if !ok {
				return fmt.Errorf("session %s: %w", req.SessionID, ErrNotFound)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (id, task_id, session_id, execute_at, status, attempt, max_retries, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, 0, ?, ?, ?);
		`, st.ID, st.TaskID, st.SessionID, formatTime(st.ExecuteAt), st.Status, st.MaxRetries,
			formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert scheduled task: %w", err)
		}
		return s.appendEventTx(ctx, tx, eventRecord{
			taskID:  st.ID,
			kind:    EventCreated,
			to:      StatusPending,
			payload: map[string]any{"execute_at": formatTime(st.ExecuteAt)},
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(bus.TopicScheduledCreated, bus.ScheduledCreatedEvent{
		ScheduledTaskID: st.ID,
		TaskID:          st.TaskID,
		SessionID:       st.SessionID,
		ExecuteAt:       st.ExecuteAt,
	})
	return st, nil
}

func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	var st ScheduledTask
	err := scanScheduledTask(s.db.QueryRowContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?;`, id).Scan, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduled task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return &st, nil
}

// ListScheduledTasksByTask returns every scheduled entry of one task, oldest
// execute_at first.
func (s *Store) ListScheduledTasksByTask(ctx context.Context, taskID string) ([]ScheduledTask, error) {
	out, err := queryScheduledTasks(ctx, s.db, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE task_id = ?
		ORDER BY execute_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks by task: %w", err)
	}
	return out, nil
}

// ListScheduledTasksBySession returns the session's scheduled tasks, oldest
// execute_at first. limit <= 0 means no limit.
func (s *Store) ListScheduledTasksBySession(ctx context.Context, sessionID string, limit int) ([]ScheduledTask, error) {
	if limit <= 0 {
		limit = -1
	}
	out, err := queryScheduledTasks(ctx, s.db, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE session_id = ?
		ORDER BY execute_at ASC, id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks by session: %w", err)
	}
	return out, nil
}

// ListDueScheduledTasks returns claim candidates at now: pending tasks whose
// execute_at has passed and running tasks whose lease has expired, ordered by
// execute_at then id.
func (s *Store) ListDueScheduledTasks(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error) {
	if limit <= 0 {
		limit = 1
	}
	ts := formatTime(now)
	out, err := queryScheduledTasks(ctx, s.db, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE (status = 'pending' AND execute_at <= ?)
			OR (status = 'running' AND locked_until < ?)
		ORDER BY execute_at ASC, id ASC
		LIMIT ?;
	`, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled tasks: %w", err)
	}
	return out, nil
}

// ListScheduledTasks pages through all scheduled tasks, optionally filtered by
// status, and returns the total matching count.
func (s *Store) ListScheduledTasks(ctx context.Context, status ScheduledTaskStatus, limit, offset int) ([]ScheduledTask, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM scheduled_tasks WHERE (? = '' OR status = ?);
	`, status, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scheduled tasks: %w", err)
	}
	out, err := queryScheduledTasks(ctx, s.db, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE (? = '' OR status = ?)
		ORDER BY execute_at ASC, id ASC
		LIMIT ? OFFSET ?;
	`, status, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return out, total, nil
}

// ScheduledTaskCounts returns the number of rows per status. Every status is
// present in the result.
func (s *Store) ScheduledTaskCounts(ctx context.Context) (map[ScheduledTaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM scheduled_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count scheduled tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[ScheduledTaskStatus]int, 5)
	for _, st := range AllStatuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		status, err := ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteScheduledTask removes a scheduled task and its event log. A worker
// still holding its lease will see LeaseLost on release.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "scheduled_tasks", id)
}

// RecoveryReport counts running tasks and how many of them hold an expired
// lease at now. Orphans are not touched; the next claim reclaims them.
func (s *Store) RecoveryReport(ctx context.Context, now time.Time) (RecoveryReport, error) {
	var r RecoveryReport
	ts := formatTime(now)
	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN locked_until < ? THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN locked_until < ? THEN locked_until END)
		FROM scheduled_tasks
		WHERE status = 'running';
	`, ts, ts).Scan(&r.Running, &r.Orphaned, &oldest); err != nil {
		return r, fmt.Errorf("recovery report: %w", err)
	}
	if t, err := parseNullTime(oldest); err == nil && t != nil {
		r.OldestOrphaned = now.Sub(*t)
	}
	return r, nil
}
